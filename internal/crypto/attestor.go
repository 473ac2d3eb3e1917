package crypto

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// AttestationMessage is the text signed when a market becomes final.
func AttestationMessage(marketID, result string, position int, finalizedAt time.Time) string {
	return fmt.Sprintf("polyresolve:final:%s:%s:%d:%d", marketID, result, position, finalizedAt.Unix())
}

// Attestor signs final results with the operator key.
type Attestor struct {
	signer *Signer
}

// NewAttestor creates an Attestor.
func NewAttestor(s *Signer) *Attestor {
	return &Attestor{signer: s}
}

// Attest signs the final result of marketID.
func (a *Attestor) Attest(marketID, result string, position int, finalizedAt time.Time) (domain.Attestation, error) {
	msg := AttestationMessage(marketID, result, position, finalizedAt)
	sig, err := a.signer.SignPersonal([]byte(msg))
	if err != nil {
		return domain.Attestation{}, fmt.Errorf("crypto: attest %s: %w", marketID, err)
	}
	return domain.Attestation{
		Signer:    a.signer.Address().Hex(),
		Message:   msg,
		Signature: sig,
	}, nil
}

// VerifyAttestation checks that att.Signature over att.Message recovers to
// att.Signer.
func VerifyAttestation(att domain.Attestation) error {
	addr, err := RecoverPersonal([]byte(att.Message), att.Signature)
	if err != nil {
		return err
	}
	if !strings.EqualFold(addr.Hex(), att.Signer) {
		return fmt.Errorf("crypto: attestation signed by %s, claims %s", addr.Hex(), att.Signer)
	}
	return nil
}
