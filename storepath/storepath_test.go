package storepath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOriginRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		origin PathOrigin
	}{
		{"toplevel", PathOrigin{Attr: "firefox", Output: "out", Toplevel: true}},
		{"non-toplevel", PathOrigin{Attr: "firefox", Output: "out", Toplevel: false}},
		{"bin-output", PathOrigin{Attr: "coreutils", Output: "bin", Toplevel: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded := tc.origin.Encode()
			decoded, err := DecodeOrigin(encoded)
			require.NoError(t, err)
			assert.Equal(t, tc.origin.Attr, decoded.Attr)
			assert.Equal(t, tc.origin.Output, decoded.Output)
			assert.Equal(t, tc.origin.Toplevel, decoded.Toplevel)
		})
	}
}

func TestOriginEncodeMarksNonToplevel(t *testing.T) {
	o := PathOrigin{Attr: "a", Output: "out", Toplevel: false}
	assert.Equal(t, "a\x02out\x02", o.Encode())

	o.Toplevel = true
	assert.Equal(t, "a\x02out", o.Encode())
}

func TestParseAndString(t *testing.T) {
	origin := PathOrigin{Attr: "p", Output: "out", Toplevel: true}
	sp, err := Parse(origin, "/nix/store/aaaa-p-1.0")
	require.NoError(t, err)
	assert.Equal(t, "/nix/store", sp.StoreDir)
	assert.Equal(t, "aaaa", sp.Hash)
	assert.Equal(t, "p-1.0", sp.Name)
	assert.Equal(t, "/nix/store/aaaa-p-1.0", sp.String())
}

func TestParseRoundTrip(t *testing.T) {
	origin := PathOrigin{Attr: "p", Output: "out", Toplevel: true}
	sp, err := Parse(origin, "/nix/store/aaaa-p-1.0")
	require.NoError(t, err)

	sp2, err := Parse(sp.Origin, sp.String())
	require.NoError(t, err)
	assert.Equal(t, sp, sp2)
}

func TestParseMalformed(t *testing.T) {
	origin := PathOrigin{Attr: "p", Output: "out", Toplevel: true}

	_, err := Parse(origin, "no-slash-here")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Parse(origin, "/nix/store/noHashSeparator")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestValidateRejectsForbiddenBytes(t *testing.T) {
	origin := PathOrigin{Attr: "p\x02evil", Output: "out", Toplevel: true}
	_, err := Parse(origin, "/nix/store/aaaa-p-1.0")
	assert.ErrorIs(t, err, ErrForbiddenByte)
}

func TestEncodeDecodeStorePath(t *testing.T) {
	origin := PathOrigin{Attr: "p", Output: "out", Toplevel: false}
	sp, err := Parse(origin, "/nix/store/aaaa-p-1.0")
	require.NoError(t, err)

	encoded := sp.Encode()
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, sp.StoreDir, decoded.StoreDir)
	assert.Equal(t, sp.Hash, decoded.Hash)
	assert.Equal(t, sp.Name, decoded.Name)
	assert.Equal(t, sp.Origin.Attr, decoded.Origin.Attr)
	assert.Equal(t, sp.Origin.Output, decoded.Origin.Output)
	assert.Equal(t, sp.Origin.Toplevel, decoded.Origin.Toplevel)
}
