// Package metainfo parses .torrent files (bencoded metainfo dictionaries)
// into a Descriptor: info hash, piece hashes, and file layout.
package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	"github.com/prxssh/leech/bencode"
	"github.com/prxssh/leech/cast"
)

// FileEntry is one file within a multi-file torrent's layout. PathParts is
// the file's path relative to the torrent's root directory.
type FileEntry struct {
	PathParts []string
	Length    int64
}

// Descriptor is the fully parsed, validated form of a .torrent file.
type Descriptor struct {
	InfoHash     [sha1.Size]byte
	Name         string
	PieceLength  int64
	PieceHashes  [][sha1.Size]byte
	Private      bool
	TotalLength  int64
	Files        []FileEntry // nil for a single-file torrent
	Announce     string
	AnnounceList [][]string
	CreationDate time.Time
	CreatedBy    string
	Comment      string
	Encoding     string
}

// LastPieceLength returns the byte length of the final piece, which is
// usually shorter than PieceLength.
func (d *Descriptor) LastPieceLength() int64 {
	if d.TotalLength%d.PieceLength == 0 {
		return d.PieceLength
	}
	return d.TotalLength % d.PieceLength
}

// PieceCount returns the number of pieces, i.e. the number of SHA-1 hashes
// listed in the info dict's pieces field.
func (d *Descriptor) PieceCount() int {
	return len(d.PieceHashes)
}

var (
	ErrTopLevelNotDict     = errors.New("metainfo: top-level is not a dict")
	ErrAnnounceMissing     = errors.New("metainfo: both announce and announce-list missing")
	ErrInfoMissing         = errors.New("metainfo: 'info' missing")
	ErrInfoNotDict         = errors.New("metainfo: 'info' is not a dict")
	ErrNameMissing         = errors.New("metainfo: 'info' name missing")
	ErrPieceLenMissing     = errors.New("metainfo: 'info' piece length missing")
	ErrPieceLenNonPositive = errors.New("metainfo: 'info' piece length must be > 0")
	ErrPiecesMissing       = errors.New("metainfo: 'info' pieces missing")
	ErrPiecesLenInvalid    = errors.New("metainfo: 'info' pieces length not a multiple of 20")
	ErrLayoutInvalid       = errors.New("metainfo: invalid single/multi-file layout")
	ErrCreationDateInvalid = errors.New("metainfo: invalid creation date")
)

// Parse decodes a .torrent file's raw bytes into a Descriptor, validating
// every required field of the info dict along the way.
func Parse(data []byte) (*Descriptor, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	root, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrTopLevelNotDict
	}

	announce, err := optionalString(root["announce"])
	if err != nil {
		return nil, err
	}
	announceList, err := parseAnnounceList(root["announce-list"])
	if err != nil {
		return nil, err
	}
	if announce == "" && len(announceList) == 0 {
		return nil, ErrAnnounceMissing
	}

	var creationDate time.Time
	if v, ok := root["creation date"]; ok {
		secs, err := cast.ToInt(v)
		if err != nil || secs < 0 {
			return nil, ErrCreationDateInvalid
		}
		creationDate = time.Unix(secs, 0).UTC()
	}

	createdBy, err := optionalString(root["created by"])
	if err != nil {
		return nil, err
	}
	comment, err := optionalString(root["comment"])
	if err != nil {
		return nil, err
	}

	d, err := parseInfo(root["info"])
	if err != nil {
		return nil, err
	}

	d.Announce = announce
	d.AnnounceList = announceList
	d.CreationDate = creationDate
	d.CreatedBy = createdBy
	d.Comment = comment

	return d, nil
}

func parseInfo(rawInfo any) (*Descriptor, error) {
	if rawInfo == nil {
		return nil, ErrInfoMissing
	}
	dict, ok := rawInfo.(map[string]any)
	if !ok {
		return nil, ErrInfoNotDict
	}

	var d Descriptor

	h, err := infoHash(dict)
	if err != nil {
		return nil, fmt.Errorf("metainfo: info hash: %w", err)
	}
	d.InfoHash = h

	nameVal, ok := dict["name"]
	if !ok {
		return nil, ErrNameMissing
	}
	d.Name, err = cast.ToString(nameVal)
	if err != nil || d.Name == "" {
		return nil, fmt.Errorf("metainfo: invalid 'name': %w", err)
	}

	plVal, ok := dict["piece length"]
	if !ok {
		return nil, ErrPieceLenMissing
	}
	d.PieceLength, err = cast.ToInt(plVal)
	if err != nil || d.PieceLength <= 0 {
		return nil, ErrPieceLenNonPositive
	}

	d.PieceHashes, err = parsePieces(dict["pieces"])
	if err != nil {
		return nil, err
	}

	if v, ok := dict["private"]; ok {
		privInt, err := cast.ToInt(v)
		if err != nil || (privInt != 0 && privInt != 1) {
			return nil, fmt.Errorf("metainfo: invalid 'private' flag")
		}
		d.Private = privInt == 1
	}

	lengthVal, hasLength := dict["length"]
	filesVal, hasFiles := dict["files"]

	switch {
	case hasLength && !hasFiles:
		d.TotalLength, err = cast.ToInt(lengthVal)
		if err != nil || d.TotalLength < 0 {
			return nil, fmt.Errorf("metainfo: invalid 'length'")
		}
	case hasFiles && !hasLength:
		d.Files, err = parseFiles(filesVal)
		if err != nil {
			return nil, err
		}
		for _, f := range d.Files {
			d.TotalLength += f.Length
		}
	default:
		return nil, ErrLayoutInvalid
	}

	return &d, nil
}

func parseFiles(v any) ([]FileEntry, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("metainfo: invalid or empty 'files'")
	}

	files := make([]FileEntry, 0, len(arr))
	for i, it := range arr {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: not a dict", i)
		}

		fl, ok := m["length"]
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: length missing", i)
		}
		ln, err := cast.ToInt(fl)
		if err != nil || ln < 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid length", i)
		}

		rawPath, ok := m["path"]
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: path missing", i)
		}
		segments, err := cast.ToStringSlice(rawPath)
		if err != nil || len(segments) == 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid path", i)
		}

		files = append(files, FileEntry{PathParts: segments, Length: ln})
	}

	return files, nil
}

func parseAnnounceList(v any) ([][]string, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("metainfo: invalid announce-list")
	}
	tiered, err := cast.ToTieredStrings(raw)
	if err != nil {
		return nil, fmt.Errorf("metainfo: invalid announce-list: %w", err)
	}

	out := make([][]string, 0, len(tiered))
	for _, tier := range tiered {
		if len(tier) > 0 {
			out = append(out, tier)
		}
	}
	return out, nil
}

func optionalString(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	return cast.ToString(v)
}

// infoHash computes SHA-1 over the canonical re-encoding of the info dict,
// which is stable because bencode.Marshal always sorts dictionary keys.
func infoHash(info map[string]any) ([sha1.Size]byte, error) {
	buf, err := bencode.Marshal(info)
	if err != nil {
		return [sha1.Size]byte{}, err
	}
	return sha1.Sum(buf), nil
}

func parsePieces(v any) ([][sha1.Size]byte, error) {
	if v == nil {
		return nil, ErrPiecesMissing
	}

	raw, err := cast.ToBytes(v)
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'pieces': %w", err)
	}
	if len(raw)%sha1.Size != 0 {
		return nil, ErrPiecesLenInvalid
	}

	n := len(raw) / sha1.Size
	out := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], raw[i*sha1.Size:(i+1)*sha1.Size])
	}
	return out, nil
}
