package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// IDGenerator assigns record ids. Implementations only need to guarantee
// uniqueness within one capture store.
type IDGenerator interface {
	NewID() (string, error)
}

// TimeRandomGenerator produces "<base36 unix millis>-<8 hex chars>".
type TimeRandomGenerator struct {
	Now func() time.Time
}

func (g TimeRandomGenerator) NewID() (string, error) {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("read random suffix: %w", err)
	}
	return strconv.FormatInt(now().UnixMilli(), 36) + "-" + hex.EncodeToString(suffix[:]), nil
}

// SequenceGenerator produces "<machine>-<n>" from a monotonic counter. The
// counter starts after Start so a restarted process can resume past the
// highest id it already issued.
type SequenceGenerator struct {
	machine string
	next    atomic.Uint64
}

func NewSequenceGenerator(machine string, start uint64) *SequenceGenerator {
	g := &SequenceGenerator{machine: machine}
	g.next.Store(start)
	return g
}

func (g *SequenceGenerator) NewID() (string, error) {
	n := g.next.Add(1)
	return g.machine + "-" + strconv.FormatUint(n, 10), nil
}

// UUIDGenerator produces time-ordered UUIDv7 ids.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return id.String(), nil
}

// GeneratorByName maps a configuration value to a generator. Unknown names
// return an error so typos in config are caught at startup.
func GeneratorByName(name, machine string) (IDGenerator, error) {
	switch name {
	case "", "time":
		return TimeRandomGenerator{}, nil
	case "uuid":
		return UUIDGenerator{}, nil
	case "sequence":
		if machine == "" {
			return nil, fmt.Errorf("sequence id generator requires a machine tag")
		}
		return NewSequenceGenerator(machine, uint64(time.Now().UnixMilli())), nil
	default:
		return nil, fmt.Errorf("unknown id generator %q", name)
	}
}
