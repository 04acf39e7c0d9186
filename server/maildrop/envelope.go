package maildrop

import (
	"time"

	"github.com/archessay/wildduck/server/mailsplit"
)

// DKIM carries the body hash a downstream signer needs.
type DKIM struct {
	HashAlgo string `json:"hashAlgo"`
	BodyHash string `json:"bodyHash,omitempty"`
}

// ParsedEnvelope lists the normalized addresses found in the message
// headers.
type ParsedEnvelope struct {
	From    string   `json:"from,omitempty"`
	To      []string `json:"to"`
	Cc      []string `json:"cc"`
	Bcc     []string `json:"bcc"`
	ReplyTo string   `json:"replyTo,omitempty"`
	Sender  string   `json:"sender,omitempty"`
}

// Envelope is stored as metadata next to the queued message body.
type Envelope struct {
	ID             string                 `json:"id"`
	From           string                 `json:"from"`
	To             []string               `json:"to"`
	Interface      string                 `json:"interface"`
	Transtype      string                 `json:"transtype"`
	Time           int64                  `json:"time"`
	ParentID       string                 `json:"parentId,omitempty"`
	Reason         string                 `json:"reason,omitempty"`
	DKIM           DKIM                   `json:"dkim"`
	BodySize       int64                  `json:"bodySize"`
	Headers        []mailsplit.HeaderLine `json:"headers"`
	ParsedEnvelope ParsedEnvelope         `json:"parsedEnvelope"`
	MessageID      string                 `json:"messageId"`
	Date           string                 `json:"date"`
}

// MXHost is one relay exchange.
type MXHost struct {
	Priority int    `json:"priority"`
	Exchange string `json:"exchange"`
}

// MXAuth holds relay credentials.
type MXAuth struct {
	User string `json:"user"`
	Pass string `json:"pass"`
}

// QueueRecord is one durable delivery job for the sending workers.
type QueueRecord struct {
	ID          string    `json:"id"`
	Seq         string    `json:"seq"`
	Domain      string    `json:"domain"`
	SendingZone string    `json:"sendingZone"`
	Assigned    string    `json:"assigned"`
	Recipient   string    `json:"recipient"`
	Locked      bool      `json:"locked"`
	LockTime    int64     `json:"lockTime"`
	Queued      time.Time `json:"queued"`
	Created     time.Time `json:"created"`

	HTTP      bool   `json:"http,omitempty"`
	TargetURL string `json:"targetUrl,omitempty"`

	MX       []MXHost `json:"mx,omitempty"`
	MXPort   int      `json:"mxPort,omitempty"`
	MXAuth   *MXAuth  `json:"mxAuth,omitempty"`
	MXSecure bool     `json:"mxSecure,omitempty"`

	SkipSRS bool `json:"skipSRS,omitempty"`
}

// delivery is one derived recipient before it becomes a QueueRecord.
type delivery struct {
	to        string
	http      bool
	targetURL string
	relay     *Relay
	skipSRS   bool
}
