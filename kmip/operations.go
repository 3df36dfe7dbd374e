package kmip

import (
	"context"

	"github.com/pkg/errors"
)

// Cryptographic algorithm/usage enumerations used by the request payloads
// below, KMIP v1.2 section 9.1.3.2 / 9.1.3.3 (subset this client needs).
const (
	cryptoAlgRSA       int32 = 4
	usageMaskSign      int32 = 1
	usageMaskVerify    int32 = 2
)

func attribute(name string, value Item) Item {
	return Struct(TagAttribute, Text(TagAttributeName, name), Item{Tag: TagAttributeValue, Type: value.Type, Value: value.Value})
}

func nameAttribute(name string) Item {
	return attribute("Name", Item{
		Tag:  TagAttributeValue,
		Type: TypeStructure,
		Value: []Item{
			Text(TagNameValue, name),
			Int32(TagNameType, TypeEnumeration, 1),
		},
	})
}

// createKeyPair issues a KMIP CreateKeyPair request and returns the
// server-assigned unique identifiers for the new private and public key
// objects. When name is non-empty, it is set as the private key's Name
// attribute so a later locate(ctx, name) can rediscover it.
func (c *client) createKeyPair(ctx context.Context, bits int, name string) (privUID, pubUID string, err error) {
	common := Struct(TagCommonTemplateAttribute)
	if name != "" {
		common = Struct(TagCommonTemplateAttribute, nameAttribute(name))
	}

	payload := Struct(TagRequestPayload,
		common,
		Struct(TagPrivateKeyTemplateAttribute,
			attribute("Cryptographic Algorithm", Int32(TagAttributeValue, TypeEnumeration, cryptoAlgRSA)),
			attribute("Cryptographic Length", Int32(TagAttributeValue, TypeInteger, int32(bits))),
			attribute("Cryptographic Usage Mask", Int32(TagAttributeValue, TypeInteger, usageMaskSign)),
		),
		Struct(TagPublicKeyTemplateAttribute,
			attribute("Cryptographic Usage Mask", Int32(TagAttributeValue, TypeInteger, usageMaskVerify)),
		),
	)

	resp, err := c.call(ctx, OpCreateKeyPair, payload)
	if err != nil {
		return "", "", err
	}

	priv, ok := resp.Find(TagPrivateKeyUniqueIdentifier)
	if !ok {
		return "", "", errors.New("kmip CreateKeyPair response missing private key identifier")
	}
	pub, ok := resp.Find(TagPublicKeyUniqueIdentifier)
	if !ok {
		return "", "", errors.New("kmip CreateKeyPair response missing public key identifier")
	}
	privUID, _ = priv.text()
	pubUID, _ = pub.text()
	return privUID, pubUID, nil
}

// sign issues a KMIP Sign request over a pre-computed digest and returns
// the raw signature bytes.
func (c *client) sign(ctx context.Context, uid string, digest []byte) ([]byte, error) {
	payload := Struct(TagRequestPayload,
		Text(TagUniqueIdentifier, uid),
		Bytes(TagData, digest),
	)
	resp, err := c.call(ctx, OpSign, payload)
	if err != nil {
		return nil, err
	}
	sig, ok := resp.Find(TagSignatureData)
	if !ok {
		return nil, errors.New("kmip Sign response missing signature data")
	}
	b, _ := sig.bytes()
	return b, nil
}

// destroy issues a KMIP Destroy request for uid. A server error for an
// object it no longer has is returned like any other error.
func (c *client) destroy(ctx context.Context, uid string) error {
	payload := Struct(TagRequestPayload, Text(TagUniqueIdentifier, uid))
	_, err := c.call(ctx, OpDestroy, payload)
	return err
}

// locate issues a KMIP Locate request matching objects whose Name
// attribute equals name, returning the first matching unique identifier.
// Used to rediscover an identity key across process restarts without
// keeping any local state about the KMIP server's prior object ids.
func (c *client) locate(ctx context.Context, name string) (uid string, found bool, err error) {
	payload := Struct(TagRequestPayload, nameAttribute(name))
	resp, err := c.call(ctx, OpLocate, payload)
	if err != nil {
		return "", false, err
	}
	item, ok := resp.Find(TagUniqueIdentifier)
	if !ok {
		return "", false, nil
	}
	uid, _ = item.text()
	return uid, uid != "", nil
}

// modifyAttribute issues a KMIP ModifyAttribute request setting a custom
// attribute's value on uid.
func (c *client) modifyAttribute(ctx context.Context, uid, name string, value []byte) error {
	payload := Struct(TagRequestPayload,
		Text(TagUniqueIdentifier, uid),
		attribute(name, Bytes(TagAttributeValue, value)),
	)
	_, err := c.call(ctx, OpModifyAttribute, payload)
	return err
}

// getAttributes retrieves the named attributes for uid, returning a
// name→Item map of whatever the server returned (absent names are simply
// missing from the map).
func (c *client) getAttributes(ctx context.Context, uid string, names ...string) (map[string]Item, error) {
	payload := Struct(TagRequestPayload, Text(TagUniqueIdentifier, uid))
	children, _ := payload.Value.([]Item)
	for _, n := range names {
		children = append(children, Text(TagAttributeName, n))
	}
	payload.Value = children

	resp, err := c.call(ctx, OpGetAttributes, payload)
	if err != nil {
		return nil, err
	}

	out := make(map[string]Item)
	for _, attr := range resp.FindAll(TagAttribute) {
		nameItem, ok := attr.Find(TagAttributeName)
		if !ok {
			continue
		}
		name, _ := nameItem.text()
		if v, ok := attr.Find(TagAttributeValue); ok {
			out[name] = v
		}
	}
	return out, nil
}

// capabilities is the decoded outcome of a KMIP Query: the operations the
// server claims to support.
type capabilities struct {
	operations map[int32]bool
}

func (c *capabilities) supports(op int32) bool {
	return c != nil && c.operations[op]
}

// query issues a KMIP Query request for supported operations.
func (c *client) query(ctx context.Context) (*capabilities, error) {
	payload := Struct(TagRequestPayload, Int32(TagQueryFunction, TypeEnumeration, 1))
	resp, err := c.call(ctx, OpQuery, payload)
	if err != nil {
		return nil, err
	}

	caps := &capabilities{operations: make(map[int32]bool)}
	for _, op := range resp.FindAll(TagOperation) {
		if v, ok := op.int32(); ok {
			caps.operations[v] = true
		}
	}
	return caps, nil
}
