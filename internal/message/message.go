// Package message parses the XML carried by platform callbacks: the outer
// envelope holding the ciphertext and the decrypted inner message.
package message

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Message types.
const (
	TypeText  = "text"
	TypeImage = "image"
	TypeEvent = "event"
)

var (
	// ErrMalformed reports XML that cannot be parsed.
	ErrMalformed = errors.New("malformed message xml")

	// ErrNoEncrypt reports an envelope without an Encrypt element.
	ErrNoEncrypt = errors.New("envelope has no Encrypt element")
)

type envelope struct {
	ToUserName string `xml:"ToUserName"`
	AgentID    string `xml:"AgentID"`
	Encrypt    string `xml:"Encrypt"`
}

// ExtractEncrypt returns the base64 ciphertext from a callback body.
func ExtractEncrypt(body []byte) (string, error) {
	var env envelope
	if err := decode(body, &env); err != nil {
		return "", err
	}
	encrypted := strings.TrimSpace(env.Encrypt)
	if encrypted == "" {
		return "", ErrNoEncrypt
	}
	return encrypted, nil
}

// Inbound is a decrypted user message or event.
type Inbound struct {
	ToUserName   string
	FromUserName string
	CreateTime   int64
	MsgType      string
	Content      string
	PicURL       string
	MediaID      string
	MsgID        string
	AgentID      int64
	Event        string
}

type rawInbound struct {
	ToUserName   string `xml:"ToUserName"`
	FromUserName string `xml:"FromUserName"`
	CreateTime   string `xml:"CreateTime"`
	MsgType      string `xml:"MsgType"`
	Content      string `xml:"Content"`
	PicURL       string `xml:"PicUrl"`
	MediaID      string `xml:"MediaId"`
	MsgID        string `xml:"MsgId"`
	AgentID      string `xml:"AgentID"`
	Event        string `xml:"Event"`
}

// ParseInbound parses the decrypted inner XML. Fields may appear in any
// order; absent or non-numeric optional fields are left zero.
func ParseInbound(plaintext []byte) (*Inbound, error) {
	var raw rawInbound
	if err := decode(plaintext, &raw); err != nil {
		return nil, err
	}

	msg := &Inbound{
		ToUserName:   strings.TrimSpace(raw.ToUserName),
		FromUserName: strings.TrimSpace(raw.FromUserName),
		MsgType:      strings.TrimSpace(raw.MsgType),
		Content:      raw.Content,
		PicURL:       strings.TrimSpace(raw.PicURL),
		MediaID:      strings.TrimSpace(raw.MediaID),
		MsgID:        strings.TrimSpace(raw.MsgID),
		Event:        strings.TrimSpace(raw.Event),
	}
	msg.CreateTime, _ = strconv.ParseInt(strings.TrimSpace(raw.CreateTime), 10, 64)
	msg.AgentID, _ = strconv.ParseInt(strings.TrimSpace(raw.AgentID), 10, 64)

	if msg.FromUserName == "" || msg.MsgType == "" {
		return nil, fmt.Errorf("%w: missing FromUserName or MsgType", ErrMalformed)
	}
	return msg, nil
}

func decode(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: empty document", ErrMalformed)
	}
	if err := xml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
