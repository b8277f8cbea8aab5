// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// invitation is the wire form of the invitation code: the dictionary a
// phone decodes from the QR image or the beacon broadcast. Field names
// are fixed by the app.
type invitation struct {
	ServiceName string         `json:"sn"`
	PublicKey   string         `json:"spk"`
	Signature   string         `json:"sig"`
	ExtraData   string         `json:"ed"`
	Address     string         `json:"sa"`
	TrustData   map[string]any `json:"td"`
	Type        string         `json:"t"`
}

// InvitationCode builds the signed invitation advertising that a
// session is listening at address. The same string serves as QR text
// and as beacon payload. The signature covers name, address, and the
// public key DER so a phone can pin the service before connecting.
func InvitationCode(service *Service, address string) (string, error) {
	signature, err := service.Sign(invitationSigningInput(service, address))
	if err != nil {
		return "", fmt.Errorf("signing invitation: %w", err)
	}

	code, err := json.Marshal(invitation{
		ServiceName: service.Name(),
		PublicKey:   base64.StdEncoding.EncodeToString(service.PublicKeyDER()),
		Signature:   base64.StdEncoding.EncodeToString(signature),
		ExtraData:   "",
		Address:     address,
		TrustData:   map[string]any{},
		Type:        "KP",
	})
	if err != nil {
		return "", fmt.Errorf("encoding invitation: %w", err)
	}
	return string(code), nil
}

// VerifyInvitationCode parses code and checks its signature against
// service. Returns the advertised channel address.
func VerifyInvitationCode(service *Service, code string) (string, error) {
	var parsed invitation
	if err := json.Unmarshal([]byte(code), &parsed); err != nil {
		return "", fmt.Errorf("decoding invitation: %w", err)
	}
	signature, err := base64.StdEncoding.DecodeString(parsed.Signature)
	if err != nil {
		return "", fmt.Errorf("decoding invitation signature: %w", err)
	}
	if !service.Verify(invitationSigningInput(service, parsed.Address), signature) {
		return "", fmt.Errorf("invitation signature check failed")
	}
	return parsed.Address, nil
}

func invitationSigningInput(service *Service, address string) []byte {
	input := make([]byte, 0, len(service.Name())+len(address)+len(service.PublicKeyDER()))
	input = append(input, service.Name()...)
	input = append(input, address...)
	input = append(input, service.PublicKeyDER()...)
	return input
}
