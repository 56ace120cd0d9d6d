// Package protocol implements the text commands exchanged between pub/sub
// clients and the broker.
//
// Wire format: UTF-8 text, fields separated by whitespace, first token is
// the verb.
//
//	SUBSCRIBE ch1 ch2 ...
//	UNSUBSCRIBE ch1 ch2 ...
//	PUBLISH channel message...
//
// For PUBLISH everything after the channel is the message; it is rejoined
// with single spaces, so runs of whitespace inside a message do not survive
// the trip.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedCommand reports a payload that does not parse as a known
// command. Every error returned by Parse wraps it.
var ErrMalformedCommand = errors.New("malformed command")

const (
	verbSubscribe   = "SUBSCRIBE"
	verbUnsubscribe = "UNSUBSCRIBE"
	verbPublish     = "PUBLISH"
)

// Command is one parsed wire command.
type Command interface {
	// Encode renders the command in wire form.
	Encode() []byte
}

// Subscribe adds the sending peer to one or more channels.
type Subscribe struct {
	Channels []string
}

// Unsubscribe removes the sending peer from one or more channels.
type Unsubscribe struct {
	Channels []string
}

// Publish asks the broker to fan Message out to every subscriber of Channel.
type Publish struct {
	Channel string
	Message string
}

func (c Subscribe) Encode() []byte {
	return []byte(verbSubscribe + " " + strings.Join(c.Channels, " "))
}

func (c Unsubscribe) Encode() []byte {
	return []byte(verbUnsubscribe + " " + strings.Join(c.Channels, " "))
}

func (c Publish) Encode() []byte {
	return []byte(verbPublish + " " + c.Channel + " " + c.Message)
}

// Parse decodes a transport payload into a command.
func Parse(payload []byte) (Command, error) {
	tokens := strings.Fields(string(payload))
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedCommand)
	}
	switch tokens[0] {
	case verbSubscribe:
		if len(tokens) < 2 {
			return nil, fmt.Errorf("%w: %s needs at least one channel", ErrMalformedCommand, verbSubscribe)
		}
		return Subscribe{Channels: tokens[1:]}, nil
	case verbUnsubscribe:
		if len(tokens) < 2 {
			return nil, fmt.Errorf("%w: %s needs at least one channel", ErrMalformedCommand, verbUnsubscribe)
		}
		return Unsubscribe{Channels: tokens[1:]}, nil
	case verbPublish:
		if len(tokens) < 3 {
			return nil, fmt.Errorf("%w: %s needs a channel and a message", ErrMalformedCommand, verbPublish)
		}
		return Publish{Channel: tokens[1], Message: strings.Join(tokens[2:], " ")}, nil
	default:
		return nil, fmt.Errorf("%w: unknown verb %q", ErrMalformedCommand, tokens[0])
	}
}
