package reconcile

import (
	"errors"
	"fmt"

	"github.com/xiaonanln/shieldmesh/record"
)

// ErrInvalidStrategy is returned for an unknown conflict resolution strategy
var ErrInvalidStrategy = errors.New("invalid conflict resolution strategy")

// Strategy decides which copy of a record survives a conflict
type Strategy int

const (
	// ServerWins keeps the stored record
	ServerWins Strategy = iota + 1
	// ClientWins keeps the pushed record
	ClientWins
	// LatestWins keeps the record with the greater LastUpdated; ties keep the server copy
	LatestWins
)

// String returns the strategy name as used on the wire
func (s Strategy) String() string {
	switch s {
	case ServerWins:
		return "SERVER_WINS"
	case ClientWins:
		return "CLIENT_WINS"
	case LatestWins:
		return "LATEST_WINS"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// Valid reports whether s is a known strategy
func (s Strategy) Valid() bool {
	return s >= ServerWins && s <= LatestWins
}

// ParseStrategy converts a strategy name. The empty string selects LatestWins.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "SERVER_WINS":
		return ServerWins, nil
	case "CLIENT_WINS":
		return ClientWins, nil
	case "LATEST_WINS", "":
		return LatestWins, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidStrategy, name)
}

// ResolveConflicts returns the copy of a record that strategy keeps
func ResolveConflicts(server, client record.Record, strategy Strategy) (record.Record, error) {
	keepClient, err := chooseClient(server, client, strategy)
	if err != nil {
		return record.Record{}, err
	}
	if keepClient {
		return client, nil
	}
	return server, nil
}

func chooseClient(server, client record.Record, strategy Strategy) (bool, error) {
	switch strategy {
	case ServerWins:
		return false, nil
	case ClientWins:
		return true, nil
	case LatestWins:
		return client.LastUpdated > server.LastUpdated, nil
	default:
		return false, fmt.Errorf("%w: %s", ErrInvalidStrategy, strategy)
	}
}
