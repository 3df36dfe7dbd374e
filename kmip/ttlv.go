// Package kmip implements a KMIP v1.2 client sufficient for the signer
// core's needs: CreateKeyPair, Sign, Destroy, Query, GetAttributes, Locate
// and ModifyAttribute, TTLV
// encoded over a pooled, optionally mutually-authenticated TLS connection.
//
// No repository in the retrieval pack ships a KMIP client, so the wire
// codec below is hand-rolled against crypto/tls and encoding/binary, in the
// same low-level explicit-struct style the PKCS#11 backend uses against the
// Cryptoki ABI.
package kmip

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// TTLV item types, KMIP v1.2 section 9.1.1.
const (
	TypeStructure   byte = 0x01
	TypeInteger     byte = 0x02
	TypeLongInteger byte = 0x03
	TypeBigInteger  byte = 0x04
	TypeEnumeration byte = 0x05
	TypeBoolean     byte = 0x06
	TypeTextString  byte = 0x07
	TypeByteString  byte = 0x08
	TypeDateTime    byte = 0x09
	TypeInterval    byte = 0x0A
)

// Tags used by the operations this package implements, KMIP v1.2 section 9.1.3.
const (
	TagAttribute             uint32 = 0x420008
	TagAttributeName         uint32 = 0x42000A
	TagAttributeValue        uint32 = 0x42000B
	TagBatchCount            uint32 = 0x42000D
	TagCredential            uint32 = 0x420023
	TagCredentialType        uint32 = 0x420024
	TagCredentialValue       uint32 = 0x420025
	TagCryptographicAlgorithm uint32 = 0x420028
	TagCryptographicLength   uint32 = 0x42002A
	TagCryptographicUsageMask uint32 = 0x420031
	TagObjectType            uint32 = 0x420057
	TagOperation             uint32 = 0x42005C
	TagPassword              uint32 = 0x4200A1
	TagProtocolVersion       uint32 = 0x420069
	TagProtocolVersionMajor  uint32 = 0x42006A
	TagProtocolVersionMinor  uint32 = 0x42006B
	TagRequestHeader         uint32 = 0x420077
	TagRequestMessage        uint32 = 0x420078
	TagRequestPayload        uint32 = 0x420079
	TagResponseHeader        uint32 = 0x42007A
	TagResponseMessage       uint32 = 0x42007B
	TagResponsePayload       uint32 = 0x42007C
	TagResultMessage         uint32 = 0x42007D
	TagResultReason          uint32 = 0x42007E
	TagResultStatus          uint32 = 0x42007F
	TagSignatureData         uint32 = 0x420082
	TagUniqueBatchItemID     uint32 = 0x420093
	TagUniqueIdentifier      uint32 = 0x420094
	TagUsername              uint32 = 0x420099
	TagData                  uint32 = 0x420062
	TagCommonTemplateAttribute uint32 = 0x42001F
	TagPrivateKeyTemplateAttribute uint32 = 0x420065
	TagPublicKeyTemplateAttribute  uint32 = 0x42006E
	TagTemplateAttribute     uint32 = 0x420091
	TagName                  uint32 = 0x420053
	TagNameValue             uint32 = 0x420055
	TagNameType              uint32 = 0x420054
	TagPublicKeyUniqueIdentifier  uint32 = 0x42006D
	TagPrivateKeyUniqueIdentifier uint32 = 0x420066
	TagCapabilityInformation uint32 = 0x42021D
	TagRNGRetrievalMethod    uint32 = 0x4200F1
	TagQueryFunction         uint32 = 0x420074
	TagBatchItem             uint32 = 0x42000F
)

// KMIP operations this package issues, KMIP v1.2 section 9.1.3.
const (
	OpCreateKeyPair   int32 = 0x00000007
	OpLocate          int32 = 0x00000008
	OpSign            int32 = 0x00000021
	OpDestroy         int32 = 0x00000014
	OpQuery           int32 = 0x00000018
	OpGetAttributes   int32 = 0x0000000B
	OpModifyAttribute int32 = 0x0000000D
)

// ResultStatus values, KMIP v1.2 section 9.1.3.3.
const (
	ResultSuccess       int32 = 0
	ResultFailed        int32 = 1
	ResultPending       int32 = 2
	ResultUndoneable    int32 = 3
)

// Item is one TTLV-encoded element: a tag, a type, and either a scalar
// value or a nested Structure (a slice of child Items).
type Item struct {
	Tag   uint32
	Type  byte
	Value interface{} // int32, int64, bool, string, []byte, or []Item for TypeStructure
}

// Int32 constructs an Integer/Enumeration item.
func Int32(tag uint32, typ byte, v int32) Item { return Item{Tag: tag, Type: typ, Value: v} }

// Int64 constructs a LongInteger item.
func Int64(tag uint32, v int64) Item { return Item{Tag: tag, Type: TypeLongInteger, Value: v} }

// Bool constructs a Boolean item.
func Bool(tag uint32, v bool) Item { return Item{Tag: tag, Type: TypeBoolean, Value: v} }

// Text constructs a TextString item.
func Text(tag uint32, v string) Item { return Item{Tag: tag, Type: TypeTextString, Value: v} }

// Bytes constructs a ByteString item.
func Bytes(tag uint32, v []byte) Item { return Item{Tag: tag, Type: TypeByteString, Value: v} }

// Struct constructs a Structure item from child items.
func Struct(tag uint32, children ...Item) Item {
	return Item{Tag: tag, Type: TypeStructure, Value: children}
}

// Encode appends the TTLV wire encoding of the item to buf.
func (it Item) Encode(buf *bytes.Buffer) error {
	var body bytes.Buffer
	switch it.Type {
	case TypeStructure:
		children, _ := it.Value.([]Item)
		for _, c := range children {
			if err := c.Encode(&body); err != nil {
				return err
			}
		}
	case TypeInteger, TypeEnumeration:
		v, ok := it.Value.(int32)
		if !ok {
			return errors.Errorf("tag %06x: expected int32 value", it.Tag)
		}
		_ = binary.Write(&body, binary.BigEndian, v)
		body.Write([]byte{0, 0, 0, 0}) // pad to 8 bytes
	case TypeLongInteger, TypeInterval:
		v, ok := it.Value.(int64)
		if !ok {
			return errors.Errorf("tag %06x: expected int64 value", it.Tag)
		}
		_ = binary.Write(&body, binary.BigEndian, v)
	case TypeBoolean:
		v, ok := it.Value.(bool)
		if !ok {
			return errors.Errorf("tag %06x: expected bool value", it.Tag)
		}
		n := int64(0)
		if v {
			n = 1
		}
		_ = binary.Write(&body, binary.BigEndian, n)
	case TypeTextString:
		s, ok := it.Value.(string)
		if !ok {
			return errors.Errorf("tag %06x: expected string value", it.Tag)
		}
		body.WriteString(s)
	case TypeByteString:
		b, ok := it.Value.([]byte)
		if !ok {
			return errors.Errorf("tag %06x: expected []byte value", it.Tag)
		}
		body.Write(b)
	default:
		return errors.Errorf("tag %06x: unsupported type %#x", it.Tag, it.Type)
	}

	header := make([]byte, 8)
	header[0] = byte(it.Tag >> 16)
	header[1] = byte(it.Tag >> 8)
	header[2] = byte(it.Tag)
	header[3] = it.Type
	binary.BigEndian.PutUint32(header[4:8], uint32(body.Len()))

	buf.Write(header)
	buf.Write(body.Bytes())
	if pad := (8 - body.Len()%8) % 8; pad > 0 {
		buf.Write(make([]byte, pad))
	}
	return nil
}

// Decode reads one TTLV-encoded item from r.
func Decode(r io.Reader) (Item, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return Item{}, errors.WithStack(err)
	}
	tag := uint32(header[0])<<16 | uint32(header[1])<<8 | uint32(header[2])
	typ := header[3]
	length := binary.BigEndian.Uint32(header[4:8])

	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return Item{}, errors.WithStack(err)
		}
	}
	if pad := (8 - int(length)%8) % 8; pad > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(pad)); err != nil {
			return Item{}, errors.WithStack(err)
		}
	}

	it := Item{Tag: tag, Type: typ}
	switch typ {
	case TypeStructure:
		var children []Item
		br := bytes.NewReader(body)
		for br.Len() > 0 {
			child, err := Decode(br)
			if err != nil {
				return Item{}, err
			}
			children = append(children, child)
		}
		it.Value = children
	case TypeInteger, TypeEnumeration:
		it.Value = int32(binary.BigEndian.Uint32(body[:4]))
	case TypeLongInteger, TypeInterval:
		it.Value = int64(binary.BigEndian.Uint64(body[:8]))
	case TypeBoolean:
		it.Value = binary.BigEndian.Uint64(body[:8]) != 0
	case TypeTextString:
		it.Value = string(body)
	case TypeByteString:
		it.Value = body
	default:
		return Item{}, errors.Errorf("tag %06x: unsupported wire type %#x", tag, typ)
	}
	return it, nil
}

// Find returns the first direct child of a Structure item with the given
// tag, or ok=false.
func (it Item) Find(tag uint32) (Item, bool) {
	children, ok := it.Value.([]Item)
	if !ok {
		return Item{}, false
	}
	for _, c := range children {
		if c.Tag == tag {
			return c, true
		}
	}
	return Item{}, false
}

// FindAll returns every direct child of a Structure item with the given tag.
func (it Item) FindAll(tag uint32) []Item {
	children, ok := it.Value.([]Item)
	if !ok {
		return nil
	}
	var out []Item
	for _, c := range children {
		if c.Tag == tag {
			out = append(out, c)
		}
	}
	return out
}

func (it Item) int32() (int32, bool) { v, ok := it.Value.(int32); return v, ok }
func (it Item) bytes() ([]byte, bool) { v, ok := it.Value.([]byte); return v, ok }
func (it Item) text() (string, bool) { v, ok := it.Value.(string); return v, ok }
