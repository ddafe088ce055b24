package protocol

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/haneytron/dache/internal/cacheerr"
)

// Verb identifies a command.
type Verb string

const (
	VerbGet    Verb = "get"
	VerbSet    Verb = "set"
	VerbDel    Verb = "del"
	VerbKeys   Verb = "keys"
	VerbClear  Verb = "clear"
	VerbExpire Verb = "expire" // host -> client notification only
)

// absoluteLayout is the UTC timestamp format used by -a, per spec §4.2/§6.
const absoluteLayout = "060102150405"

// PolicyKind is the expiration policy carried by a set command.
type PolicyKind int

const (
	PolicyNone PolicyKind = iota
	PolicyAbsolute
	PolicySliding
	PolicyInterned
)

// Policy bundles the expiration fields of a CacheEntry.
type Policy struct {
	Kind       PolicyKind
	AbsoluteAt time.Time
	SlidingTTL time.Duration
}

// KeyValue is one key/base64-decoded-value pair in a set command.
type KeyValue struct {
	Key   string
	Value []byte
}

// SetCommand is the parsed form of `set [-a ABS] [-s SLIDE] [-c] [-t TAG] [-i] KEY B64VAL …`.
type SetCommand struct {
	Policy   Policy
	Notify   bool
	Tag      string
	Pairs    []KeyValue
}

// GetCommand is the parsed form of `get KEY…` or `get -t PATTERN TAG…`.
type GetCommand struct {
	Keys     []string
	ByTag    bool
	Pattern  string
	Tags     []string
}

// DelCommand is the parsed form of `del KEY…` or `del PATTERN -t TAG…`.
type DelCommand struct {
	Keys    []string
	ByTag   bool
	Pattern string
	Tags    []string
}

// KeysCommand is the parsed form of `keys [PATTERN] [-t TAG…]`.
type KeysCommand struct {
	Pattern string
	Tags    []string
}

// ExpireNotification is the host -> client push for a removed entry
// that had notify-on-remove set.
type ExpireNotification struct {
	Key string
}

func validateToken(field, tok string) error {
	if tok == "" {
		return cacheerr.NewProtocolError("%s must not be empty", field)
	}
	if strings.ContainsRune(tok, ' ') {
		return cacheerr.NewProtocolError("%s must not contain a space", field)
	}
	return nil
}

// EncodeGet builds the request frame for a plain key-list get.
func EncodeGet(corrID uint32, keys []string) *Frame {
	payload := string(VerbGet) + " " + strings.Join(keys, " ")
	return &Frame{Control: ControlKeys, CorrelationID: corrID, Payload: []byte(payload)}
}

// EncodeGetByTag builds the request frame for `get -t PATTERN TAG…`.
func EncodeGetByTag(corrID uint32, pattern string, tags []string) *Frame {
	payload := fmt.Sprintf("%s -t %s %s", VerbGet, pattern, strings.Join(tags, " "))
	return &Frame{Control: ControlKeys, CorrelationID: corrID, Payload: []byte(payload)}
}

// ParseGet parses a get request's payload (verb already stripped by
// ParseVerb, tokens passed in).
func ParseGet(tokens []string) (*GetCommand, error) {
	if len(tokens) == 0 {
		return nil, cacheerr.NewProtocolError("get requires at least one key or -t")
	}
	if tokens[0] == "-t" {
		if len(tokens) < 3 {
			return nil, cacheerr.NewProtocolError("get -t requires a pattern and at least one tag")
		}
		return &GetCommand{ByTag: true, Pattern: tokens[1], Tags: tokens[2:]}, nil
	}
	for _, k := range tokens {
		if err := validateToken("key", k); err != nil {
			return nil, err
		}
	}
	return &GetCommand{Keys: tokens}, nil
}

// EncodeSet builds the request frame for a set command.
func EncodeSet(corrID uint32, c *SetCommand) (*Frame, error) {
	var b strings.Builder
	b.WriteString(string(VerbSet))
	switch c.Policy.Kind {
	case PolicyAbsolute:
		b.WriteString(" -a ")
		b.WriteString(c.Policy.AbsoluteAt.UTC().Format(absoluteLayout))
	case PolicySliding:
		b.WriteString(" -s ")
		b.WriteString(strconv.FormatInt(int64(c.Policy.SlidingTTL/time.Second), 10))
	case PolicyInterned:
		b.WriteString(" -i")
	}
	if c.Notify {
		b.WriteString(" -c")
	}
	if c.Tag != "" {
		if err := validateToken("tag", c.Tag); err != nil {
			return nil, err
		}
		b.WriteString(" -t ")
		b.WriteString(c.Tag)
	}
	if len(c.Pairs) == 0 {
		return nil, cacheerr.NewProtocolError("set requires at least one key/value pair")
	}
	for _, kv := range c.Pairs {
		if err := validateToken("key", kv.Key); err != nil {
			return nil, err
		}
		if len(kv.Value) == 0 {
			return nil, cacheerr.NewProtocolError("value for key %q must not be empty", kv.Key)
		}
		b.WriteString(" ")
		b.WriteString(kv.Key)
		b.WriteString(" ")
		b.WriteString(base64.StdEncoding.EncodeToString(kv.Value))
	}
	return &Frame{Control: ControlKeyValue, CorrelationID: corrID, Payload: []byte(b.String())}, nil
}

// ParseSet parses a set request's tokens (verb already stripped).
func ParseSet(tokens []string) (*SetCommand, error) {
	cmd := &SetCommand{}
	i := 0
	for i < len(tokens) {
		switch tokens[i] {
		case "-a":
			if i+1 >= len(tokens) {
				return nil, cacheerr.NewProtocolError("-a requires an argument")
			}
			t, err := time.ParseInLocation(absoluteLayout, tokens[i+1], time.UTC)
			if err != nil {
				return nil, cacheerr.NewProtocolError("invalid -a timestamp %q: %v", tokens[i+1], err)
			}
			cmd.Policy = Policy{Kind: PolicyAbsolute, AbsoluteAt: t}
			i += 2
		case "-s":
			if i+1 >= len(tokens) {
				return nil, cacheerr.NewProtocolError("-s requires an argument")
			}
			secs, err := strconv.ParseInt(tokens[i+1], 10, 64)
			if err != nil {
				return nil, cacheerr.NewProtocolError("invalid -s seconds %q: %v", tokens[i+1], err)
			}
			cmd.Policy = Policy{Kind: PolicySliding, SlidingTTL: time.Duration(secs) * time.Second}
			i += 2
		case "-c":
			cmd.Notify = true
			i++
		case "-t":
			if i+1 >= len(tokens) {
				return nil, cacheerr.NewProtocolError("-t requires an argument")
			}
			cmd.Tag = tokens[i+1]
			i += 2
		case "-i":
			cmd.Policy = Policy{Kind: PolicyInterned}
			i++
		default:
			goto pairs
		}
	}
pairs:
	rest := tokens[i:]
	if len(rest) == 0 || len(rest)%2 != 0 {
		return nil, cacheerr.NewProtocolError("set requires an even number of KEY B64VAL tokens, got %d", len(rest))
	}
	for j := 0; j < len(rest); j += 2 {
		key := rest[j]
		if err := validateToken("key", key); err != nil {
			return nil, err
		}
		val, err := base64.StdEncoding.DecodeString(rest[j+1])
		if err != nil {
			return nil, cacheerr.NewProtocolError("invalid base64 value for key %q: %v", key, err)
		}
		if len(val) == 0 {
			return nil, cacheerr.NewProtocolError("value for key %q must not be empty", key)
		}
		cmd.Pairs = append(cmd.Pairs, KeyValue{Key: key, Value: val})
	}
	return cmd, nil
}

// EncodeDel builds the request frame for `del KEY…`.
func EncodeDel(corrID uint32, keys []string) *Frame {
	payload := string(VerbDel) + " " + strings.Join(keys, " ")
	return &Frame{Control: ControlKeys, CorrelationID: corrID, Payload: []byte(payload)}
}

// EncodeDelByTag builds the request frame for `del PATTERN -t TAG…`.
func EncodeDelByTag(corrID uint32, pattern string, tags []string) *Frame {
	payload := fmt.Sprintf("%s %s -t %s", VerbDel, pattern, strings.Join(tags, " "))
	return &Frame{Control: ControlKeys, CorrelationID: corrID, Payload: []byte(payload)}
}

// ParseDel parses a del request's tokens (verb already stripped).
func ParseDel(tokens []string) (*DelCommand, error) {
	if len(tokens) == 0 {
		return nil, cacheerr.NewProtocolError("del requires at least one key or pattern")
	}
	for idx, t := range tokens {
		if t == "-t" {
			if idx == 0 {
				return nil, cacheerr.NewProtocolError("del PATTERN -t TAG… requires a pattern before -t")
			}
			if idx+1 >= len(tokens) {
				return nil, cacheerr.NewProtocolError("-t requires at least one tag")
			}
			return &DelCommand{ByTag: true, Pattern: tokens[0], Tags: tokens[idx+1:]}, nil
		}
	}
	for _, k := range tokens {
		if err := validateToken("key", k); err != nil {
			return nil, err
		}
	}
	return &DelCommand{Keys: tokens}, nil
}

// EncodeKeys builds the request frame for `keys [PATTERN] [-t TAG…]`.
func EncodeKeys(corrID uint32, pattern string, tags []string) *Frame {
	var b strings.Builder
	b.WriteString(string(VerbKeys))
	if pattern != "" {
		b.WriteString(" ")
		b.WriteString(pattern)
	}
	if len(tags) > 0 {
		b.WriteString(" -t ")
		b.WriteString(strings.Join(tags, " "))
	}
	return &Frame{Control: ControlOpaque, CorrelationID: corrID, Payload: []byte(b.String())}
}

// ParseKeys parses a keys request's tokens (verb already stripped).
func ParseKeys(tokens []string) (*KeysCommand, error) {
	cmd := &KeysCommand{Pattern: "*"}
	i := 0
	if i < len(tokens) && tokens[i] != "-t" {
		cmd.Pattern = tokens[i]
		i++
	}
	if i < len(tokens) {
		if tokens[i] != "-t" {
			return nil, cacheerr.NewProtocolError("unexpected token %q in keys command", tokens[i])
		}
		i++
		if i >= len(tokens) {
			return nil, cacheerr.NewProtocolError("-t requires at least one tag")
		}
		cmd.Tags = tokens[i:]
	}
	return cmd, nil
}

// EncodeClear builds the request frame for `clear`.
func EncodeClear(corrID uint32) *Frame {
	return &Frame{Control: ControlOpaque, CorrelationID: corrID, Payload: []byte(VerbClear)}
}

// EncodeExpireNotification builds the host -> client push frame.
func EncodeExpireNotification(key string) *Frame {
	payload := string(VerbExpire) + " " + key
	return &Frame{Control: ControlOpaque, CorrelationID: 0, Payload: []byte(payload)}
}

// ParseVerb splits a command payload into its verb and remaining
// whitespace-separated tokens.
func ParseVerb(payload []byte) (Verb, []string, error) {
	tokens := strings.Fields(string(payload))
	if len(tokens) == 0 {
		return "", nil, cacheerr.NewProtocolError("empty command")
	}
	return Verb(tokens[0]), tokens[1:], nil
}

// EncodeGetResponse builds the reply payload for a get: base64 values
// space separated, in request order. An absent key (nil value) has
// its value omitted but keeps its slot as an empty token, so the
// reply stays positionally aligned with the request.
func EncodeGetResponse(values [][]byte) []byte {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = base64.StdEncoding.EncodeToString(v)
	}
	return []byte(strings.Join(parts, " "))
}

// DecodeGetResponse is the client-side counterpart of EncodeGetResponse.
// Empty tokens decode to nil, preserving the position of absent keys.
func DecodeGetResponse(payload []byte) ([][]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	tokens := strings.Split(string(payload), " ")
	out := make([][]byte, len(tokens))
	for i, t := range tokens {
		if t == "" {
			continue
		}
		v, err := base64.StdEncoding.DecodeString(t)
		if err != nil {
			return nil, cacheerr.NewProtocolError("invalid base64 in get response: %v", err)
		}
		out[i] = v
	}
	return out, nil
}

// EncodeKeysResponse builds the reply payload for `keys`.
func EncodeKeysResponse(keys []string) []byte {
	return []byte(strings.Join(keys, " "))
}

// DecodeKeysResponse is the client-side counterpart of EncodeKeysResponse.
func DecodeKeysResponse(payload []byte) []string {
	s := strings.TrimSpace(string(payload))
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

// ParseExpireNotification parses a host-pushed `expire KEY` frame.
func ParseExpireNotification(tokens []string) (*ExpireNotification, error) {
	if len(tokens) != 1 {
		return nil, cacheerr.NewProtocolError("expire notification requires exactly one key")
	}
	return &ExpireNotification{Key: tokens[0]}, nil
}
