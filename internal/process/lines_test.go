package process

import (
	"reflect"
	"strings"
	"testing"
)

func collect() (*LineWriter, *[]string) {
	var got []string
	return NewLineWriter(func(line string) { got = append(got, line) }), &got
}

func TestLineWriter_ReassemblesAcrossWrites(t *testing.T) {
	w, got := collect()
	_, _ = w.Write([]byte("https://abc.trycloud"))
	if len(*got) != 0 {
		t.Fatalf("partial line must be buffered, got %v", *got)
	}
	_, _ = w.Write([]byte("flare.com\n"))
	want := []string{"https://abc.trycloudflare.com"}
	if !reflect.DeepEqual(*got, want) {
		t.Fatalf("got %v want %v", *got, want)
	}
}

func TestLineWriter_MultipleLinesAndCRLF(t *testing.T) {
	w, got := collect()
	_, _ = w.Write([]byte("one\r\ntwo\nthr"))
	_, _ = w.Write([]byte("ee\n\nfour"))
	w.Flush()
	want := []string{"one", "two", "three", "", "four"}
	if !reflect.DeepEqual(*got, want) {
		t.Fatalf("got %q want %q", *got, want)
	}
}

func TestLineWriter_FlushWithoutTrailingNewline(t *testing.T) {
	w, got := collect()
	_, _ = w.Write([]byte("no newline at close"))
	w.Flush()
	w.Flush()
	if !reflect.DeepEqual(*got, []string{"no newline at close"}) {
		t.Fatalf("flush should emit the remainder exactly once, got %q", *got)
	}
}

func TestLineWriter_OversizedLineIsChunked(t *testing.T) {
	w, got := collect()
	big := make([]byte, maxLineBytes+10)
	for i := range big {
		big[i] = 'x'
	}
	_, _ = w.Write(big)
	if len(*got) != 1 || len((*got)[0]) != len(big) {
		t.Fatalf("expected one oversized chunk, got %d entries", len(*got))
	}
}

func TestLineWriter_TokenAcrossChunkBoundary(t *testing.T) {
	w, got := collect()
	const url = "https://abc.trycloudflare.com"
	filler := strings.Repeat("x", maxLineBytes-10)
	_, _ = w.Write([]byte(filler + url[:20]))
	if len(*got) != 1 {
		t.Fatalf("expected the oversized buffer to be emitted, got %d entries", len(*got))
	}
	_, _ = w.Write([]byte(url[20:] + " connIndex=0\n"))
	if len(*got) != 2 {
		t.Fatalf("expected a second chunk at newline, got %d entries", len(*got))
	}
	if !strings.Contains((*got)[1], url) {
		t.Fatalf("URL split across chunks was not reassembled: %q", (*got)[1])
	}
	if len((*got)[1]) > chunkOverlap+len(url)+len(" connIndex=0") {
		t.Fatalf("second chunk carries more than the overlap: %d bytes", len((*got)[1]))
	}
}
