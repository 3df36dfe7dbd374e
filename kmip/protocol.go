package kmip

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/effective-security/signer/cryptoprov"
	"github.com/pkg/errors"
)

// ErrResponseTooLarge is returned when a response exceeds max_response_bytes.
var ErrResponseTooLarge = errors.New("kmip response too large")

// ErrAuthFailed is returned when the server rejects the configured
// credential (KMIP v1.2 section 9.1.3.2.27 Result Reason: Authentication
// Failed / Permission Denied).
var ErrAuthFailed = errors.New("kmip authentication rejected")

const (
	resultReasonAuthenticationFailed int32 = 0x00000003
	resultReasonPermissionDenied     int32 = 0x0000000C
)

// client issues KMIP requests over a pooled connection, enforcing the
// configured socket timeouts and response size cap.
type client struct {
	pool           *pool
	readTimeout    time.Duration
	writeTimeout   time.Duration
	maxResponse    int64
	username       string
	password       string
}

func newClient(p *pool, cfg cryptoprov.SignerConfig) *client {
	return &client{
		pool:         p,
		readTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		writeTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
		maxResponse:  int64(cfg.MaxResponseBytes),
		username:     cfg.Username,
		password:     cfg.Password,
	}
}

func requestHeader(username, password string) Item {
	children := []Item{
		Struct(TagProtocolVersion,
			Int32(TagProtocolVersionMajor, TypeInteger, 1),
			Int32(TagProtocolVersionMinor, TypeInteger, 2),
		),
	}
	if username != "" {
		children = append(children, Struct(TagCredential,
			Int32(TagCredentialType, TypeEnumeration, 1),
			Struct(TagCredentialValue,
				Text(TagUsername, username),
				Text(TagPassword, password),
			),
		))
	}
	children = append(children, Int32(TagBatchCount, TypeInteger, 1))
	return Struct(TagRequestHeader, children...)
}

func requestMessage(header Item, op int32, payload Item) Item {
	return Struct(TagRequestMessage,
		header,
		Struct(TagBatchItem,
			Int32(TagOperation, TypeEnumeration, op),
			payload,
		),
	)
}

// call sends one request/response round trip over a checked-out connection.
func (c *client) call(ctx context.Context, op int32, payload Item) (Item, error) {
	cn, err := c.pool.checkout(ctx)
	if err != nil {
		return Item{}, err
	}

	msg := requestMessage(requestHeader(c.username, c.password), op, payload)

	var buf bytes.Buffer
	if err := msg.Encode(&buf); err != nil {
		c.pool.checkin(cn, false)
		return Item{}, errors.WithMessage(err, "encode request")
	}

	if c.writeTimeout > 0 {
		_ = cn.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := cn.nc.Write(buf.Bytes()); err != nil {
		c.pool.checkin(cn, false)
		return Item{}, errors.WithMessage(err, "write request")
	}

	if c.readTimeout > 0 {
		_ = cn.nc.SetReadDeadline(time.Now().Add(c.readTimeout))
	}

	limited := &io.LimitedReader{R: cn.nc, N: c.maxResponse + 1}
	resp, err := Decode(limited)
	if err != nil {
		c.pool.checkin(cn, false)
		if limited.N <= 0 {
			return Item{}, ErrResponseTooLarge
		}
		return Item{}, errors.WithMessage(err, "read response")
	}

	var sz bytes.Buffer
	_ = resp.Encode(&sz)
	if c.maxResponse > 0 && int64(sz.Len()) > c.maxResponse {
		c.pool.checkin(cn, false)
		return Item{}, ErrResponseTooLarge
	}

	c.pool.checkin(cn, true)
	return responsePayload(resp)
}

// responsePayload extracts the batch item's result status and payload,
// surfacing a non-success result as an error.
func responsePayload(resp Item) (Item, error) {
	batchChildren, _ := resp.Value.([]Item)
	var batch Item
	found := false
	for _, c := range batchChildren {
		if c.Tag == TagBatchItem {
			batch = c
			found = true
			break
		}
	}
	if !found {
		return Item{}, errors.New("kmip response missing batch item")
	}

	if status, ok := batch.Find(TagResultStatus); ok {
		if code, ok := status.int32(); ok && code != ResultSuccess {
			msg := "kmip operation failed"
			if m, ok := batch.Find(TagResultMessage); ok {
				if s, ok := m.text(); ok {
					msg = s
				}
			}
			if reason, ok := batch.Find(TagResultReason); ok {
				if r, ok := reason.int32(); ok && (r == resultReasonAuthenticationFailed || r == resultReasonPermissionDenied) {
					return Item{}, errors.WithMessage(ErrAuthFailed, msg)
				}
			}
			return Item{}, errors.New(msg)
		}
	}

	payload, ok := batch.Find(TagResponsePayload)
	if !ok {
		return Item{}, errors.New("kmip response missing payload")
	}
	return payload, nil
}
