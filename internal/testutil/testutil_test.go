package testutil

import (
	"bytes"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAssertStatusCode(t *testing.T) {
	t.Parallel()

	ok := t.Run("mismatch", func(t *testing.T) {
		AssertStatusCode(t, http.StatusNotFound, http.StatusOK)
	})
	if ok {
		t.Fatal("expected subtest to fail on mismatched status")
	}
	AssertStatusCode(t, http.StatusOK, http.StatusOK)
}

func TestNewTestRequestWithBody(t *testing.T) {
	t.Parallel()

	req := NewTestRequest(http.MethodPost, "/api/context/reset", map[string]string{"reason": "test"})
	if req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("content type = %q", req.Header.Get("Content-Type"))
	}
	rec := httptest.NewRecorder()
	rec.Body.WriteString(`{"ok":true}`)
	var out map[string]bool
	DecodeJSON(t, rec, &out)
	if !out["ok"] {
		t.Errorf("decoded %v", out)
	}
}

func TestFixtureHeaders(t *testing.T) {
	t.Parallel()

	pos := Grid(4, [3]float32{})
	cases := map[string]struct {
		data   []byte
		prefix string
	}{
		"ply ascii":  {PLYASCII(pos, nil, -1), "ply\nformat ascii"},
		"ply binary": {PLYBinary(pos, Colors(4), binary.BigEndian), "ply\nformat binary_big_endian"},
		"pcd":        {PCDBinary(pos, nil), "# .PCD"},
		"las":        {LAS(pos, LASOptions{}), "LASF"},
		"json":       {JSONCloud(pos, nil, nil, nil), "{"},
		"xyz":        {XYZ(pos, []int{1, 2, 3, 4}), "# Exported"},
	}
	for name, c := range cases {
		if !bytes.HasPrefix(c.data, []byte(c.prefix)) {
			t.Errorf("%s: prefix %q", name, c.data[:min(len(c.data), 24)])
		}
	}
	if got := len(LAS(pos, LASOptions{Minor: 4, PointFormat: 7})); got != 375+4*36 {
		t.Errorf("LAS 1.4 size = %d", got)
	}
}

func TestLZFLiterals(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte{1, 2, 3}, 30)
	enc := LZFLiterals(data)
	// 90 bytes need three runs of 32, 32 and 26.
	if len(enc) != 93 || enc[0] != 31 || enc[66] != 25 {
		t.Errorf("unexpected encoding length %d", len(enc))
	}
}
