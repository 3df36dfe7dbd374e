package pkcs11prov

import (
	"context"
	"crypto/rsa"
	"encoding/binary"
	"math/big"
	"strings"

	"github.com/effective-security/signer/certutil"
	"github.com/miekg/pkcs11"
	"github.com/pkg/errors"
)

// KeyTypeNames maps a CKK_* key type to a short human label.
var KeyTypeNames = map[uint]string{
	pkcs11.CKK_RSA:   "RSA",
	pkcs11.CKK_EC:    "EC",
	pkcs11.CKK_DSA:   "DSA",
	pkcs11.CKK_AES:   "AES",
	pkcs11.CKK_GENERIC_SECRET: "Generic",
}

// ObjectClassNames maps a CKO_* object class to a short human label.
var ObjectClassNames = map[uint]string{
	pkcs11.CKO_PRIVATE_KEY: "PrivateKey",
	pkcs11.CKO_PUBLIC_KEY:  "PublicKey",
	pkcs11.CKO_SECRET_KEY:  "SecretKey",
	pkcs11.CKO_CERTIFICATE: "Certificate",
}

// BytesToUlong decodes a PKCS#11 attribute value (native byte order,
// native ulong width) into a Go uint.
func BytesToUlong(b []byte) uint {
	switch len(b) {
	case 4:
		return uint(binary.LittleEndian.Uint32(b))
	case 8:
		return uint(binary.LittleEndian.Uint64(b))
	default:
		return 0
	}
}

// TokensInfo enumerates every slot with a token present.
func (p11lib *PKCS11Lib) TokensInfo() ([]*SlotTokenInfo, error) {
	list := []*SlotTokenInfo{}
	slots, err := p11lib.Ctx.GetSlotList(true)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	for _, slotID := range slots {
		si, err := p11lib.Ctx.GetSlotInfo(slotID)
		if err != nil {
			return nil, errors.WithMessagef(err, "GetSlotInfo: %d", slotID)
		}
		ti, err := p11lib.Ctx.GetTokenInfo(slotID)
		if err != nil {
			logger.Errorf("reason=GetTokenInfo, slotID=%d, ManufacturerID=%q, SlotDescription=%q, err=[%+v]",
				slotID, si.ManufacturerID, si.SlotDescription, err)
			continue
		}
		if ti.SerialNumber != "" || ti.Label != "" {
			list = append(list, &SlotTokenInfo{
				id:           slotID,
				description:  si.SlotDescription,
				label:        ti.Label,
				manufacturer: strings.TrimSpace(ti.ManufacturerID),
				model:        strings.TrimSpace(ti.Model),
				serial:       ti.SerialNumber,
				flags:        ti.Flags,
			})
		}
	}
	return list, nil
}

// findKey locates the object handle for a key by id, label or both, within
// the given object class, on the currently open session.
func (p11lib *PKCS11Lib) findKey(sh pkcs11.SessionHandle, id, label string, class uint, keyType uint) (pkcs11.ObjectHandle, error) {
	tmpl := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
	}
	if id != "" {
		tmpl = append(tmpl, pkcs11.NewAttribute(pkcs11.CKA_ID, []byte(id)))
	}
	if label != "" {
		tmpl = append(tmpl, pkcs11.NewAttribute(pkcs11.CKA_LABEL, label))
	}

	if err := p11lib.Ctx.FindObjectsInit(sh, tmpl); err != nil {
		return 0, errors.WithStack(err)
	}
	defer p11lib.Ctx.FindObjectsFinal(sh)

	handles, _, err := p11lib.Ctx.FindObjects(sh, 1)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	if len(handles) == 0 {
		return 0, errors.Errorf("key not found: id=%q label=%q", id, label)
	}
	return handles[0], nil
}

// FindKeyPairOnSlot resolves a private key handle into a crypto.Signer.
func (p11lib *PKCS11Lib) FindKeyPairOnSlot(slotID uint, keyID, label string) (*PrivateKey, error) {
	sh, err := p11lib.checkout(context.Background())
	if err != nil {
		return nil, err
	}
	defer p11lib.checkin(sh)

	privHandle, err := p11lib.findKey(sh, keyID, label, pkcs11.CKO_PRIVATE_KEY, ^uint(0))
	if err != nil {
		return nil, err
	}
	pubHandle, err := p11lib.findKey(sh, keyID, label, pkcs11.CKO_PUBLIC_KEY, ^uint(0))
	if err != nil {
		return nil, err
	}

	pub, err := p11lib.exportRSAPublicKey(sh, pubHandle)
	if err != nil {
		return nil, err
	}

	return &PrivateKey{
		p11lib:  p11lib,
		handle:  privHandle,
		keyID:   keyID,
		label:   label,
		pub:     pub,
	}, nil
}

// ListKeys returns the object handles on the given session matching class.
func (p11lib *PKCS11Lib) ListKeys(sh pkcs11.SessionHandle, class uint, keyType uint) ([]pkcs11.ObjectHandle, error) {
	tmpl := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
	}
	if err := p11lib.Ctx.FindObjectsInit(sh, tmpl); err != nil {
		return nil, errors.WithStack(err)
	}
	defer p11lib.Ctx.FindObjectsFinal(sh)

	var all []pkcs11.ObjectHandle
	for {
		handles, more, err := p11lib.Ctx.FindObjects(sh, 32)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		all = append(all, handles...)
		if !more || len(handles) == 0 {
			break
		}
	}
	return all, nil
}

func (p11lib *PKCS11Lib) exportRSAPublicKey(sh pkcs11.SessionHandle, handle pkcs11.ObjectHandle) (*rsa.PublicKey, error) {
	attrs := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
	}
	attrs, err := p11lib.Ctx.GetAttributeValue(sh, handle, attrs)
	if err != nil {
		return nil, errors.WithMessage(err, "GetAttributeValue on public key")
	}
	n := new(big.Int).SetBytes(attrs[0].Value)
	e := new(big.Int).SetBytes(attrs[1].Value)
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// DestroyKeyPairOnSlot destroys both halves of a key pair, tolerating
// either half being already absent.
func (p11lib *PKCS11Lib) DestroyKeyPairOnSlot(slotID uint, keyID string) error {
	return p11lib.withSession(context.Background(), func(sh pkcs11.SessionHandle) error {
		privHandle, err := p11lib.findKey(sh, keyID, "", pkcs11.CKO_PRIVATE_KEY, ^uint(0))
		if err != nil {
			logger.Warningf("reason=not_found, type=CKO_PRIVATE_KEY, err=[%+v]", err)
		} else if err := p11lib.Ctx.DestroyObject(sh, privHandle); err != nil {
			return errors.WithStack(err)
		}

		pubHandle, err := p11lib.findKey(sh, keyID, "", pkcs11.CKO_PUBLIC_KEY, ^uint(0))
		if err != nil {
			logger.Warningf("reason=not_found, type=CKO_PUBLIC_KEY, err=[%+v]", err)
			return nil
		}
		if err := p11lib.Ctx.DestroyObject(sh, pubHandle); err != nil {
			return errors.WithStack(err)
		}
		logger.Infof("slot=0x%X, id=%q", slotID, keyID)
		return nil
	})
}

// getPublicKeyPEM retrieves the PEM-encoded public half of a key.
func (p11lib *PKCS11Lib) getPublicKeyPEM(slotID uint, keyID string) (string, error) {
	priv, err := p11lib.FindKeyPairOnSlot(slotID, keyID, "")
	if err != nil {
		return "", errors.WithMessagef(err, "reason=FindKeyPairOnSlot, slotID=%d, id=%s", slotID, keyID)
	}
	pemKey, err := certutil.EncodePublicKeyToPEM(priv.pub)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return string(pemKey), nil
}
