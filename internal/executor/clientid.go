package executor

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"github.com/pkg/errors"
)

// Binance limits newClientOrderId to 36 characters from [.A-Za-z0-9:/_-].
const (
	clientIDSep       = "_"
	liquidationMarker = "-" // outside the base62 alphabet, never a level number
)

// ClientIDGenerator builds deterministic client order ids of the form
// <prefix>_<base62(level)>_<base62(sequence)>. The same placement of a level
// always gets the same id, which makes retries idempotent.
type ClientIDGenerator struct {
	prefix string
}

// NewClientIDGenerator derives the prefix from the first 6 bytes of the bot id.
func NewClientIDGenerator(botID uuid.UUID) *ClientIDGenerator {
	return &ClientIDGenerator{prefix: "g" + base62.EncodeToString(botID[:6])}
}

// Prefix returns the id prefix of this bot.
func (g *ClientIDGenerator) Prefix() string { return g.prefix }

// ForLevel returns the id of placement seq on level.
func (g *ClientIDGenerator) ForLevel(level int, seq uint64) string {
	return g.prefix + clientIDSep + string(base62.FormatUint(uint64(level))) + clientIDSep + string(base62.FormatUint(seq))
}

// ForLiquidation returns the id of a stop-loss sell.
func (g *ClientIDGenerator) ForLiquidation(at time.Time) string {
	return g.prefix + clientIDSep + liquidationMarker + clientIDSep + string(base62.FormatUint(uint64(at.UnixMilli())))
}

// Owns reports whether clientID was generated by this bot.
func (g *ClientIDGenerator) Owns(clientID string) bool {
	return strings.HasPrefix(clientID, g.prefix+clientIDSep)
}

// ParseClientID extracts the level and sequence. A liquidation id yields level -1.
func ParseClientID(clientID string) (level int, seq uint64, err error) {
	parts := strings.Split(clientID, clientIDSep)
	if len(parts) != 3 {
		return 0, 0, errors.Errorf("malformed client order id %q", clientID)
	}
	if parts[1] == liquidationMarker {
		return -1, 0, nil
	}
	lv, err := base62.ParseUint([]byte(parts[1]))
	if err != nil {
		return 0, 0, errors.Wrapf(err, "client order id %q level", clientID)
	}
	seq, err = base62.ParseUint([]byte(parts[2]))
	if err != nil {
		return 0, 0, errors.Wrapf(err, "client order id %q sequence", clientID)
	}
	if lv > uint64(^uint32(0)) {
		return 0, 0, errors.Errorf("client order id %q level out of range: %s", clientID, strconv.FormatUint(lv, 10))
	}
	return int(lv), seq, nil
}
