// Package models defines the GORM models recordarr persists.
package models

import (
	"crypto/rand"
	"database/sql/driver"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

// ULID identifies sessions and rows. IDs are lexically sortable by creation
// time, so session directories and object keys list in recording order.
type ULID ulid.ULID

// entropy is monotonic: IDs minted within the same millisecond still sort
// in creation order.
var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewULID generates a new ULID.
func NewULID() ULID {
	return NewULIDAt(time.Now())
}

// NewULIDAt generates a ULID carrying t as its timestamp.
func NewULIDAt(t time.Time) ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ULID(ulid.MustNew(ulid.Timestamp(t), entropy))
}

// ParseULID parses the canonical 26-character form.
func ParseULID(s string) (ULID, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return ULID{}, fmt.Errorf("invalid ULID %q: %w", s, err)
	}
	return ULID(id), nil
}

func (u ULID) String() string {
	return ulid.ULID(u).String()
}

// Time returns the timestamp encoded in the ULID.
func (u ULID) Time() time.Time {
	return ulid.Time(ulid.ULID(u).Time())
}

// IsZero reports whether u is the zero ULID.
func (u ULID) IsZero() bool {
	return u == ULID{}
}

// Value stores the ULID as text; the zero ULID is NULL.
func (u ULID) Value() (driver.Value, error) {
	if u.IsZero() {
		return nil, nil
	}
	return u.String(), nil
}

// Scan accepts NULL, string and []byte columns.
func (u *ULID) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*u = ULID{}
		return nil
	case string:
		return u.parse(v)
	case []byte:
		return u.parse(string(v))
	default:
		return fmt.Errorf("unsupported type for ULID: %T", value)
	}
}

func (u *ULID) parse(s string) error {
	if s == "" {
		*u = ULID{}
		return nil
	}
	id, err := ParseULID(s)
	if err != nil {
		return err
	}
	*u = id
	return nil
}

// MarshalJSON encodes the zero ULID as null.
func (u ULID) MarshalJSON() ([]byte, error) {
	if u.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + u.String() + `"`), nil
}

// UnmarshalJSON accepts null or a quoted ULID.
func (u *ULID) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		*u = ULID{}
		return nil
	}
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("invalid ULID JSON: %s", s)
	}
	return u.parse(s[1 : len(s)-1])
}

// GormDataType returns the column type for ULID fields.
func (ULID) GormDataType() string {
	return "varchar(26)"
}

// BaseModel carries the ULID primary key and timestamps shared by every
// model. DeletedAt enables soft deletes.
type BaseModel struct {
	ID        ULID           `gorm:"primarykey;type:varchar(26)" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate assigns an ID when none is set. A preset CreatedAt seeds the
// ID timestamp so row order matches the recorded time.
func (b *BaseModel) BeforeCreate(*gorm.DB) error {
	if !b.ID.IsZero() {
		return nil
	}
	if b.CreatedAt.IsZero() {
		b.ID = NewULID()
	} else {
		b.ID = NewULIDAt(b.CreatedAt)
	}
	return nil
}
