package pkcs11prov

import (
	"strings"

	"github.com/effective-security/signer/cryptoprov"
	"github.com/miekg/pkcs11"
	"github.com/pkg/errors"
)

// Ensure compiles
var _ cryptoprov.Provider      = (*PKCS11Lib)(nil)
var _ cryptoprov.KeyManager    = (*PKCS11Lib)(nil)
var _ cryptoprov.RandomSource  = (*PKCS11Lib)(nil)

// EnumTokens enumerates tokens, restricted to the currently bound slot when
// currentSlotOnly is set.
func (p11lib *PKCS11Lib) EnumTokens(currentSlotOnly bool) ([]cryptoprov.TokenInfo, error) {
	if currentSlotOnly {
		return []cryptoprov.TokenInfo{
			{
				SlotID:       p11lib.Slot.id,
				Description:  p11lib.Slot.description,
				Label:        p11lib.Slot.label,
				Manufacturer: p11lib.Slot.manufacturer,
				Model:        p11lib.Slot.model,
				Serial:       p11lib.Slot.serial,
			},
		}, nil
	}

	list, err := p11lib.TokensInfo()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	res := make([]cryptoprov.TokenInfo, len(list))
	for i, ti := range list {
		res[i] = cryptoprov.TokenInfo{
			SlotID:       ti.id,
			Description:  ti.description,
			Label:        ti.label,
			Manufacturer: ti.manufacturer,
			Model:        ti.model,
			Serial:       ti.serial,
		}
	}
	return res, nil
}

// EnumKeys returns the private keys on a slot whose label has the given
// prefix (or every private key, when prefix is empty).
func (p11lib *PKCS11Lib) EnumKeys(slotID uint, prefix string) ([]cryptoprov.KeyInfo, error) {
	sh, err := p11lib.checkout(backgroundCtx)
	if err != nil {
		return nil, err
	}
	defer p11lib.checkin(sh)

	keys, err := p11lib.ListKeys(sh, pkcs11.CKO_PRIVATE_KEY, ^uint(0))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	res := make([]cryptoprov.KeyInfo, 0, len(keys))
	for _, obj := range keys {
		attrs := []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
			pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, nil),
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, nil),
		}
		attrs, err = p11lib.Ctx.GetAttributeValue(sh, obj, attrs)
		if err != nil {
			return nil, errors.WithMessage(err, "GetAttributeValue on key")
		}

		keyLabel := string(attrs[1].Value)
		if prefix != "" && !strings.HasPrefix(keyLabel, prefix) {
			continue
		}
		res = append(res, cryptoprov.KeyInfo{
			ID:    string(attrs[0].Value),
			Label: keyLabel,
			Type:  KeyTypeNames[BytesToUlong(attrs[2].Value)],
			Class: ObjectClassNames[BytesToUlong(attrs[3].Value)],
		})
	}
	return res, nil
}

// KeyInfo retrieves metadata about a single key.
func (p11lib *PKCS11Lib) KeyInfo(slotID uint, keyID string, includePublic bool) (*cryptoprov.KeyInfo, error) {
	sh, err := p11lib.checkout(backgroundCtx)
	if err != nil {
		return nil, err
	}
	defer p11lib.checkin(sh)

	privHandle, err := p11lib.findKey(sh, keyID, "", pkcs11.CKO_PRIVATE_KEY, ^uint(0))
	if err != nil {
		return nil, errors.WithMessagef(err, "slot=0x%X, id=%q", slotID, keyID)
	}

	attrs := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, nil),
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, nil),
	}
	attrs, err = p11lib.Ctx.GetAttributeValue(sh, privHandle, attrs)
	if err != nil {
		return nil, errors.WithMessage(err, "GetAttributeValue on key")
	}

	keyLabel := string(attrs[1].Value)
	resolvedID := string(attrs[0].Value)

	pubKey := ""
	if includePublic {
		pubKey, err = p11lib.getPublicKeyPEM(slotID, resolvedID)
		if err != nil {
			return nil, errors.WithMessagef(err, "reason='failed on GetPublicKey', slotID=%d, keyID=%q", slotID, resolvedID)
		}
	}

	return &cryptoprov.KeyInfo{
		ID:        resolvedID,
		Label:     keyLabel,
		Type:      KeyTypeNames[BytesToUlong(attrs[2].Value)],
		Class:     ObjectClassNames[BytesToUlong(attrs[3].Value)],
		PublicKey: pubKey,
	}, nil
}
