package parser

import "testing"

func TestPlainText(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":                                      "",
		"  plain   text ":                       "plain text",
		"<p>one</p><p>two</p>":                  "one two",
		"a<br>b":                                "a b",
		"<div>x<script>alert(1)</script></div>": "x",
		"Tom &amp; Jerry":                       "Tom & Jerry",
	}
	for in, want := range cases {
		if got := PlainText(in); got != want {
			t.Fatalf("PlainText(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWordCountAndTruncate(t *testing.T) {
	t.Parallel()

	if got := WordCount("Olá, mundo! 2025 é agora."); got != 5 {
		t.Fatalf("unexpected word count: %d", got)
	}
	if got := Truncate("abcdefghij", 6); got != "abc..." {
		t.Fatalf("unexpected truncate: %q", got)
	}
	if got := Truncate("short", 10); got != "short" {
		t.Fatalf("unexpected truncate: %q", got)
	}
}

func TestFirstImage(t *testing.T) {
	t.Parallel()

	if got := FirstImage(`<p>x</p><img alt="a" src=" /a.png "><img src="/b.png">`); got != "/a.png" {
		t.Fatalf("unexpected image: %q", got)
	}
	if got := FirstImage("no images"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}
