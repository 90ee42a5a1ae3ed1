package chain

import (
	"fmt"
	"math/big"
	"strings"
)

// TransferTopic0 is keccak256("Transfer(address,address,uint256)"), the
// first topic of every ERC20 transfer log.
const TransferTopic0 = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// Address is a lowercase 0x-prefixed 20-byte hex address.
type Address string

// Hash is a lowercase 0x-prefixed 32-byte hex hash.
type Hash string

// NormalizeAddress lowercases and validates a hex address.
func NormalizeAddress(s string) (Address, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 42 || !strings.HasPrefix(s, "0x") || !isHex(s[2:]) {
		return "", fmt.Errorf("chain: invalid address %q", s)
	}
	return Address(s), nil
}

// PadTopic left-pads an address to the 32-byte topic form used in log filters.
func PadTopic(a Address) string {
	return "0x" + strings.Repeat("0", 24) + strings.TrimPrefix(string(a), "0x")
}

// TransferEvent is a decoded ERC20 transfer log directed at the watch
// address. Immutable once decoded; identified by (TxHash, LogIndex).
type TransferEvent struct {
	Token       Address
	From        Address
	To          Address
	RawAmount   *big.Int
	BlockNumber uint64
	LogIndex    uint32
	TxHash      Hash
}

// EventID is the idempotency key for this event.
func (e TransferEvent) EventID() string {
	return fmt.Sprintf("%s:%d", e.TxHash, e.LogIndex)
}

// logRecord is the JSON shape of an eth log, shared by the subscription
// stream and eth_getLogs responses.
type logRecord struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber"`
	LogIndex        string   `json:"logIndex"`
	TransactionHash string   `json:"transactionHash"`
	Removed         bool     `json:"removed"`
}

// errSkipLog marks logs that are well-formed but not for us (wrong recipient,
// reorg-removed). errMalformedLog marks logs we could not decode.
var (
	errSkipLog      = fmt.Errorf("chain: log not for watch address")
	errMalformedLog = fmt.Errorf("chain: malformed log")
)

// decodeTransferLog turns a raw log into a TransferEvent, or reports why it
// should be skipped.
func decodeTransferLog(rec logRecord, watch Address) (*TransferEvent, error) {
	if rec.Removed {
		return nil, errSkipLog
	}
	if len(rec.Topics) < 3 || !strings.EqualFold(rec.Topics[0], TransferTopic0) {
		return nil, errMalformedLog
	}

	token, err := NormalizeAddress(rec.Address)
	if err != nil {
		return nil, errMalformedLog
	}
	from, err := topicAddress(rec.Topics[1])
	if err != nil {
		return nil, errMalformedLog
	}
	to, err := topicAddress(rec.Topics[2])
	if err != nil {
		return nil, errMalformedLog
	}
	if to != watch {
		return nil, errSkipLog
	}

	amount, ok := parseHexBig(rec.Data)
	if !ok {
		return nil, errMalformedLog
	}
	block, ok := parseHexUint(rec.BlockNumber)
	if !ok {
		return nil, errMalformedLog
	}
	logIdx, ok := parseHexUint(rec.LogIndex)
	if !ok {
		return nil, errMalformedLog
	}
	if rec.TransactionHash == "" {
		return nil, errMalformedLog
	}

	return &TransferEvent{
		Token:       token,
		From:        from,
		To:          to,
		RawAmount:   amount,
		BlockNumber: block,
		LogIndex:    uint32(logIdx),
		TxHash:      Hash(strings.ToLower(rec.TransactionHash)),
	}, nil
}

// topicAddress extracts the trailing 20 bytes of a 32-byte topic.
func topicAddress(topic string) (Address, error) {
	t := strings.TrimPrefix(strings.ToLower(topic), "0x")
	if len(t) != 64 || !isHex(t) {
		return "", errMalformedLog
	}
	return Address("0x" + t[24:]), nil
}

func parseHexUint(s string) (uint64, bool) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if s == "" || len(s) > 16 || !isHex(s) {
		return 0, false
	}
	var v uint64
	for _, c := range s {
		v <<= 4
		switch {
		case c >= '0' && c <= '9':
			v |= uint64(c - '0')
		default:
			v |= uint64(c-'a') + 10
		}
	}
	return v, true
}

func parseHexBig(s string) (*big.Int, bool) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if s == "" {
		return big.NewInt(0), true
	}
	if !isHex(s) {
		return nil, false
	}
	v, ok := new(big.Int).SetString(s, 16)
	return v, ok
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
