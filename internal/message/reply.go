package message

import (
	"encoding/xml"
	"fmt"
)

// Sealer encrypts and signs outbound payloads. *msgcrypt.Crypter implements it.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
	Sign(timestamp, nonce, content string) string
}

type cdata struct {
	Value string `xml:",cdata"`
}

type encryptedEnvelope struct {
	XMLName      xml.Name `xml:"xml"`
	Encrypt      cdata    `xml:"Encrypt"`
	MsgSignature cdata    `xml:"MsgSignature"`
	TimeStamp    string   `xml:"TimeStamp"`
	Nonce        cdata    `xml:"Nonce"`
}

// EncryptedReply seals plaintext and wraps it in the signed envelope the
// platform expects for encrypted XML bodies.
func EncryptedReply(s Sealer, plaintext, timestamp, nonce string) ([]byte, error) {
	encrypted, err := s.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt reply: %w", err)
	}

	out, err := xml.Marshal(encryptedEnvelope{
		Encrypt:      cdata{encrypted},
		MsgSignature: cdata{s.Sign(timestamp, nonce, encrypted)},
		TimeStamp:    timestamp,
		Nonce:        cdata{nonce},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal reply: %w", err)
	}
	return out, nil
}

// TextXML renders an inbound text message as the platform would send it
// before encryption.
func TextXML(corpID, fromUser, content, msgID string, agentID, createTime int64) ([]byte, error) {
	type textMessage struct {
		XMLName      xml.Name `xml:"xml"`
		ToUserName   cdata    `xml:"ToUserName"`
		FromUserName cdata    `xml:"FromUserName"`
		CreateTime   int64    `xml:"CreateTime"`
		MsgType      cdata    `xml:"MsgType"`
		Content      cdata    `xml:"Content"`
		MsgID        string   `xml:"MsgId"`
		AgentID      int64    `xml:"AgentID"`
	}

	out, err := xml.Marshal(textMessage{
		ToUserName:   cdata{corpID},
		FromUserName: cdata{fromUser},
		CreateTime:   createTime,
		MsgType:      cdata{TypeText},
		Content:      cdata{content},
		MsgID:        msgID,
		AgentID:      agentID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal text message: %w", err)
	}
	return out, nil
}
