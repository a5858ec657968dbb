// Package promptpay builds EMVCo merchant-presented QR payloads for
// Thai PromptPay transfers.
package promptpay

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTarget is returned for a merchant id that is not a phone
// number, national/tax id or e-wallet id.
var ErrInvalidTarget = errors.New("invalid promptpay target")

const (
	aid          = "A000000677010111"
	countryTH    = "TH"
	currencyTHB  = "764"
	staticQR     = "11"
	dynamicQR    = "12"
	phoneSubTag  = "01"
	taxIDSubTag  = "02"
	walletSubTag = "03"
)

// Payload returns the payload string for merchantID. An amount <= 0
// yields a static QR where the payer enters the amount.
func Payload(merchantID string, amount float64) (string, error) {
	target := digitsOnly(merchantID)

	var account string
	switch len(target) {
	case 9, 10:
		account = tlv(phoneSubTag, formatPhone(target))
	case 13:
		account = tlv(taxIDSubTag, target)
	case 15:
		account = tlv(walletSubTag, target)
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTarget, merchantID)
	}

	var b strings.Builder
	b.WriteString(tlv("00", "01"))
	if amount > 0 {
		b.WriteString(tlv("01", dynamicQR))
	} else {
		b.WriteString(tlv("01", staticQR))
	}
	b.WriteString(tlv("29", tlv("00", aid)+account))
	b.WriteString(tlv("58", countryTH))
	b.WriteString(tlv("53", currencyTHB))
	if amount > 0 {
		b.WriteString(tlv("54", fmt.Sprintf("%.2f", amount)))
	}
	b.WriteString("6304")

	data := b.String()
	return data + fmt.Sprintf("%04X", CRC16(data)), nil
}

// CRC16 is CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF).
func CRC16(s string) uint16 {
	crc := uint16(0xFFFF)
	for i := 0; i < len(s); i++ {
		crc ^= uint16(s[i]) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func tlv(tag, value string) string {
	return fmt.Sprintf("%s%02d%s", tag, len(value), value)
}

// formatPhone converts 0812345678 into 0066812345678.
func formatPhone(n string) string {
	n = strings.TrimPrefix(n, "0")
	n = "66" + n
	return strings.Repeat("0", 13-len(n)) + n
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
