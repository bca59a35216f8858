package metainfo

import (
	"crypto/sha1"
	"strings"
	"testing"
	"time"

	"github.com/prxssh/leech/bencode"
)

func mkPieces(n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		h := sha1.Sum([]byte{byte(i)})
		sb.Write(h[:])
	}
	return sb.String()
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	b, err := bencode.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return b
}

func TestParseSingleFileOK(t *testing.T) {
	info := map[string]any{
		"name":         "ubuntu.iso",
		"piece length": int64(16384),
		"pieces":       mkPieces(2),
		"length":       int64(32000),
	}
	root := map[string]any{
		"announce": "http://tracker.example/announce",
		"info":     info,
	}

	d, err := Parse(encode(t, root))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if d.Name != "ubuntu.iso" {
		t.Errorf("Name = %q", d.Name)
	}
	if d.PieceLength != 16384 {
		t.Errorf("PieceLength = %d", d.PieceLength)
	}
	if d.PieceCount() != 2 {
		t.Errorf("PieceCount = %d", d.PieceCount())
	}
	if d.TotalLength != 32000 {
		t.Errorf("TotalLength = %d", d.TotalLength)
	}
	if d.Files != nil {
		t.Errorf("Files = %v, want nil for single-file torrent", d.Files)
	}
	if d.Announce != "http://tracker.example/announce" {
		t.Errorf("Announce = %q", d.Announce)
	}
}

func TestParseMultiFileOK(t *testing.T) {
	info := map[string]any{
		"name":         "album",
		"piece length": int64(16384),
		"pieces":       mkPieces(3),
		"files": []any{
			map[string]any{"length": int64(100), "path": []any{"disc1", "track1.flac"}},
			map[string]any{"length": int64(200), "path": []any{"disc1", "track2.flac"}},
		},
	}
	root := map[string]any{
		"announce": "http://tracker.example/announce",
		"info":     info,
	}

	d, err := Parse(encode(t, root))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(d.Files) != 2 {
		t.Fatalf("len(Files) = %d, want 2", len(d.Files))
	}
	if d.TotalLength != 300 {
		t.Errorf("TotalLength = %d, want 300", d.TotalLength)
	}
	if got := d.Files[0].PathParts; len(got) != 2 || got[1] != "track1.flac" {
		t.Errorf("Files[0].PathParts = %v", got)
	}
}

func TestParseAnnounceListOnlyOK(t *testing.T) {
	info := map[string]any{
		"name":         "file.bin",
		"piece length": int64(16384),
		"pieces":       mkPieces(1),
		"length":       int64(10),
	}
	root := map[string]any{
		"announce-list": []any{
			[]any{"http://tracker1.example/announce"},
			[]any{"http://tracker2.example/announce", "http://tracker3.example/announce"},
		},
		"info": info,
	}

	d, err := Parse(encode(t, root))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.Announce != "" {
		t.Errorf("Announce = %q, want empty", d.Announce)
	}
	if len(d.AnnounceList) != 2 || len(d.AnnounceList[1]) != 2 {
		t.Fatalf("AnnounceList = %#v", d.AnnounceList)
	}
}

func TestParseTopLevelAndRequiredErrors(t *testing.T) {
	tests := []struct {
		name    string
		root    any
		wantErr error
	}{
		{"not-a-dict", []any{"x"}, ErrTopLevelNotDict},
		{
			"no-announce",
			map[string]any{
				"info": map[string]any{
					"name": "x", "piece length": int64(1), "pieces": mkPieces(1), "length": int64(1),
				},
			},
			ErrAnnounceMissing,
		},
		{
			"no-info",
			map[string]any{"announce": "http://t"},
			ErrInfoMissing,
		},
		{
			"info-not-dict",
			map[string]any{"announce": "http://t", "info": "oops"},
			ErrInfoNotDict,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(encode(t, tc.root))
			if err != tc.wantErr {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestParseFieldValidationErrors(t *testing.T) {
	base := func() map[string]any {
		return map[string]any{
			"name":         "x",
			"piece length": int64(16384),
			"pieces":       mkPieces(1),
			"length":       int64(10),
		}
	}

	tests := []struct {
		name    string
		mutate  func(map[string]any)
		wantErr error
	}{
		{"name-missing", func(m map[string]any) { delete(m, "name") }, ErrNameMissing},
		{"piece-length-missing", func(m map[string]any) { delete(m, "piece length") }, ErrPieceLenMissing},
		{"piece-length-zero", func(m map[string]any) { m["piece length"] = int64(0) }, ErrPieceLenNonPositive},
		{"pieces-missing", func(m map[string]any) { delete(m, "pieces") }, ErrPiecesMissing},
		{"pieces-bad-length", func(m map[string]any) { m["pieces"] = "short" }, ErrPiecesLenInvalid},
		{"no-length-no-files", func(m map[string]any) { delete(m, "length") }, ErrLayoutInvalid},
		{
			"both-length-and-files",
			func(m map[string]any) {
				m["files"] = []any{map[string]any{"length": int64(1), "path": []any{"a"}}}
			},
			ErrLayoutInvalid,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			info := base()
			tc.mutate(info)
			root := map[string]any{"announce": "http://t", "info": info}

			_, err := Parse(encode(t, root))
			if err != tc.wantErr {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestParseInfoHashIsStable(t *testing.T) {
	info := map[string]any{
		"name":         "x.bin",
		"piece length": int64(16384),
		"pieces":       mkPieces(1),
		"length":       int64(10),
	}
	root := map[string]any{"announce": "http://t", "info": info}

	d1, err := Parse(encode(t, root))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	d2, err := Parse(encode(t, root))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d1.InfoHash != d2.InfoHash {
		t.Fatalf("info hash not stable across identical parses")
	}

	want := sha1.Sum(encode(t, info))
	if d1.InfoHash != want {
		t.Fatalf("InfoHash = %x, want %x", d1.InfoHash, want)
	}
}

func TestDescriptorLastPieceLengthAndCount(t *testing.T) {
	tests := []struct {
		name        string
		total       int64
		pieceLen    int64
		numPieces   int
		wantLastLen int64
	}{
		{"exact-multiple", 32768, 16384, 2, 16384},
		{"short-last-piece", 32769, 16384, 3, 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := &Descriptor{
				TotalLength: tc.total,
				PieceLength: tc.pieceLen,
				PieceHashes: make([][sha1.Size]byte, tc.numPieces),
			}
			if got := d.LastPieceLength(); got != tc.wantLastLen {
				t.Errorf("LastPieceLength() = %d, want %d", got, tc.wantLastLen)
			}
			if got := d.PieceCount(); got != tc.numPieces {
				t.Errorf("PieceCount() = %d, want %d", got, tc.numPieces)
			}
		})
	}
}

func TestParseInfoValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		rawInfo any
	}{
		{"nil", nil},
		{"not-a-dict", []any{1, 2}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseInfo(tc.rawInfo); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestParseFilesErrors(t *testing.T) {
	tests := []struct {
		name string
		in   any
	}{
		{"not-a-list", "oops"},
		{"empty-list", []any{}},
		{"entry-not-dict", []any{"oops"}},
		{"missing-length", []any{map[string]any{"path": []any{"a"}}}},
		{"missing-path", []any{map[string]any{"length": int64(1)}}},
		{"empty-path", []any{map[string]any{"length": int64(1), "path": []any{}}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseFiles(tc.in); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestParsePiecesErrors(t *testing.T) {
	tests := []struct {
		name string
		in   any
	}{
		{"nil", nil},
		{"wrong-type", int64(5)},
		{"not-multiple-of-20", "short"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parsePieces(tc.in); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestParseOptionalFields(t *testing.T) {
	info := map[string]any{
		"name":         "x.bin",
		"piece length": int64(16384),
		"pieces":       mkPieces(1),
		"length":       int64(10),
	}
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	root := map[string]any{
		"announce":      "http://t",
		"info":          info,
		"creation date": now.Unix(),
		"created by":    "leech/1.0",
		"comment":       "test torrent",
	}

	d, err := Parse(encode(t, root))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !d.CreationDate.Equal(now) {
		t.Errorf("CreationDate = %v, want %v", d.CreationDate, now)
	}
	if d.CreatedBy != "leech/1.0" {
		t.Errorf("CreatedBy = %q", d.CreatedBy)
	}
	if d.Comment != "test torrent" {
		t.Errorf("Comment = %q", d.Comment)
	}
}

func TestParseInvalidCreationDate(t *testing.T) {
	info := map[string]any{
		"name":         "x.bin",
		"piece length": int64(16384),
		"pieces":       mkPieces(1),
		"length":       int64(10),
	}
	root := map[string]any{
		"announce":      "http://t",
		"info":          info,
		"creation date": "not-a-number",
	}

	_, err := Parse(encode(t, root))
	if err != ErrCreationDateInvalid {
		t.Fatalf("err = %v, want %v", err, ErrCreationDateInvalid)
	}
}
