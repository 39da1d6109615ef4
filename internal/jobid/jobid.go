// Package jobid implements the 128-bit time-sortable job identifier
// described in the data model: a 48-bit millisecond timestamp prefix
// followed by 80 bits of cryptographic randomness, so ids sort roughly
// by creation time while remaining collision-resistant across workers.
package jobid

import (
	"crypto/rand"
	"database/sql/driver"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ID is a 128-bit time-sortable identifier.
type ID [16]byte

// crockford is the Crockford base32 alphabet: no I, L, O, U to avoid
// transcription ambiguity.
const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// New generates a fresh id from the current wall clock.
func New() (ID, error) {
	return NewAt(time.Now())
}

// NewAt generates an id whose timestamp prefix is derived from t, for
// deterministic tests.
func NewAt(t time.Time) (ID, error) {
	var id ID
	ms := uint64(t.UnixMilli())
	if ms >= (1 << 48) {
		return id, errors.Errorf("jobid: timestamp %d overflows 48-bit prefix", ms)
	}
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], ms)
	copy(id[0:6], tsBuf[2:8])
	if _, err := rand.Read(id[6:16]); err != nil {
		return id, errors.Wrap(err, "jobid: read random bytes")
	}
	return id, nil
}

// MustNew panics on entropy exhaustion; used where callers cannot
// propagate an error (e.g. test fixtures).
func MustNew() ID {
	id, err := New()
	if err != nil {
		panic(err)
	}
	return id
}

// Time returns the millisecond timestamp encoded in the id's prefix.
func (id ID) Time() time.Time {
	var tsBuf [8]byte
	copy(tsBuf[2:8], id[0:6])
	ms := binary.BigEndian.Uint64(tsBuf[:])
	return time.UnixMilli(int64(ms))
}

// String encodes the id as Crockford base32, fixed-width (26 chars).
func (id ID) String() string {
	var sb strings.Builder
	sb.Grow(26)
	var buf [16]byte
	copy(buf[:], id[:])
	// Encode 128 bits as 26 groups of 5 bits (130 bits, top 2 bits unused/zero).
	acc := uint64(0)
	bits := 0
	out := make([]byte, 0, 26)
	for i := 15; i >= 0; i-- {
		acc |= uint64(buf[i]) << uint(bits)
		bits += 8
		for bits >= 5 {
			out = append(out, crockford[acc&0x1F])
			acc >>= 5
			bits -= 5
		}
	}
	if bits > 0 {
		out = append(out, crockford[acc&0x1F])
	}
	// out was built little-endian; reverse for a big-endian, sortable string.
	for i := len(out) - 1; i >= 0; i-- {
		sb.WriteByte(out[i])
	}
	return sb.String()
}

// Parse decodes a Crockford base32 id produced by String.
func Parse(s string) (ID, error) {
	var id ID
	s = strings.ToUpper(strings.TrimSpace(s))
	var acc uint64
	bits := 0
	bytePos := 15
	var buf [16]byte
	for i := len(s) - 1; i >= 0; i-- {
		v := strings.IndexByte(crockford, s[i])
		if v < 0 {
			return id, errors.Errorf("jobid: invalid character %q", s[i])
		}
		acc |= uint64(v) << uint(bits)
		bits += 5
		for bits >= 8 {
			if bytePos < 0 {
				break
			}
			buf[bytePos] = byte(acc & 0xFF)
			bytePos--
			acc >>= 8
			bits -= 8
		}
	}
	copy(id[:], buf[:])
	return id, nil
}

// Xor combines two ids, used to derive a deterministic resume_job.id
// from (job_id, resume_id) per the data model. Precondition inherited
// verbatim from the source system: behavior on a collision between
// distinct (job, resume_id) pairs mapping to the same XOR value is
// undefined and is not detected here.
func (id ID) Xor(other ID) ID {
	var out ID
	for i := range out {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

// FromUint32 encodes n into the low 4 bytes of an ID with the
// remaining bytes zeroed, so a small integer (e.g. a resume_id) can be
// XORed against a real ID without colliding with unrelated ids for
// distinct small integers.
func FromUint32(n uint32) ID {
	var id ID
	binary.BigEndian.PutUint32(id[12:16], n)
	return id
}

// Value implements driver.Valuer for database/sql.
func (id ID) Value() (driver.Value, error) {
	return id.String(), nil
}

// Scan implements sql.Scanner for database/sql.
func (id *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*id = ID{}
		return nil
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case []byte:
		parsed, err := Parse(string(v))
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	default:
		return fmt.Errorf("jobid: cannot scan %T into ID", src)
	}
}

// MarshalJSON renders the id as its string form.
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

// UnmarshalJSON parses the id from its string form.
func (id *ID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		*id = ID{}
		return nil
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
