package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "strips bare utm", in: "http://s/a1?utm=1", want: "http://s/a1"},
		{name: "strips utm family", in: "https://Example.COM/news/x?utm_source=tw&utm_medium=social", want: "https://example.com/news/x"},
		{name: "keeps content params sorted", in: "https://example.com/p?b=2&a=1&fbclid=zzz", want: "https://example.com/p?a=1&b=2"},
		{name: "drops fragment and default port", in: "https://example.com:443/post/#comments", want: "https://example.com/post"},
		{name: "keeps custom port", in: "http://example.com:8080/x", want: "http://example.com:8080/x"},
		{name: "resolves dot segments", in: "https://example.com/a/./b/../c/", want: "https://example.com/a/c"},
		{name: "protocol relative", in: "//cdn.example.com/img.png", want: "https://cdn.example.com/img.png"},
		{name: "root only", in: "https://example.com/", want: "https://example.com"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := URL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestURLRejectsIncomplete(t *testing.T) {
	t.Parallel()

	_, err := URL("")
	require.Error(t, err)

	_, err = URL("/relative/only")
	require.Error(t, err)
}

func TestSameCanonicalForTrackingVariants(t *testing.T) {
	t.Parallel()

	a, err := URL("http://s/a1?utm=1")
	require.NoError(t, err)
	b, err := URL("http://s/a1?utm=2")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	fp := Fingerprint("https://example.com/a", "Title")
	assert.True(t, IsFingerprint(fp))
	assert.Equal(t, fp, Fingerprint("https://example.com/a", "  Title "))
	assert.NotEqual(t, fp, Fingerprint("https://example.com/a", "Other"))
	assert.False(t, IsFingerprint("12345"))
}

func TestResolve(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://www.example.com/noticia/1", Resolve("https://www.example.com", "/noticia/1"))
	assert.Equal(t, "https://cdn.example.com/x.jpg", Resolve("https://www.example.com", "//cdn.example.com/x.jpg"))
	assert.Equal(t, "http://other.com/a", Resolve("https://www.example.com", "http://other.com/a"))
	assert.Equal(t, "", Resolve("https://www.example.com", "  "))
}

func TestSlug(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "seguranca-12345-novo-golpe", Slug("https://example.com/seguranca/12345-novo-golpe.htm"))
	assert.Equal(t, "", Slug("https://example.com/"))
}
