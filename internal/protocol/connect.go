package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ConnectName is carried in a transport's name field on connect.
type ConnectName struct {
	Address string `json:"address"`
	Session string `json:"session"`
}

func EncodeConnectName(name ConnectName) (string, error) {
	if strings.TrimSpace(name.Session) == "" {
		return "", fmt.Errorf("%w: missing session", ErrInvalidConnectName)
	}
	raw, err := json.Marshal(name)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodeConnectName parses a connect name. An empty address decodes to an
// unscoped content-script, whose scope only the transport knows.
func DecodeConnectName(raw string) (Address, string, error) {
	var name ConnectName
	if err := json.Unmarshal([]byte(raw), &name); err != nil {
		return Address{}, "", fmt.Errorf("%w: %v", ErrInvalidConnectName, err)
	}
	if strings.TrimSpace(name.Session) == "" {
		return Address{}, "", fmt.Errorf("%w: missing session", ErrInvalidConnectName)
	}
	if strings.TrimSpace(name.Address) == "" {
		return Address{Context: ContextContentScript}, name.Session, nil
	}
	addr, err := ParseDestination(name.Address, true)
	if err != nil {
		return Address{}, "", fmt.Errorf("%w: %v", ErrInvalidConnectName, err)
	}
	return addr, name.Session, nil
}

// NewSessionID mints the per-connection session identifier.
func NewSessionID() string {
	return "uid::" + uuid.NewString()
}

// NewTaskID mints a request correlation id.
func NewTaskID() string {
	return uuid.NewString()
}
