package state

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Flow discriminates the two kinds of round-trip a state can belong to.
type Flow uint8

const (
	// FlowUnspecified marks envelopes issued without a discriminant.
	// Callers must not create these; they are only recognised on decode.
	FlowUnspecified Flow = iota
	// FlowAuth is a primary sign-in round-trip.
	FlowAuth
	// FlowConnector links a third-party platform to an existing user.
	FlowConnector
)

func (f Flow) String() string {
	switch f {
	case FlowAuth:
		return "auth"
	case FlowConnector:
		return "connector"
	default:
		return "unspecified"
	}
}

// Envelope is the payload carried opaquely through the provider redirect.
type Envelope struct {
	Flow Flow
	// IssuedAt is set by Codec.Encrypt; any value supplied by the caller is replaced.
	IssuedAt time.Time
	// UserID is the already-authenticated user a connector is linked to.
	UserID string
	// Platform is the provider or connector identifier the flow was started for.
	Platform string
	// CodeVerifier is the PKCE verifier matching the challenge sent to the provider.
	CodeVerifier string
	// Nonce is the OIDC nonce, when the provider issues ID tokens.
	Nonce string
	// NextURL is a local path to continue at once the flow completes.
	NextURL string
}

// IsAuth reports whether the envelope belongs to a sign-in flow.
func (e Envelope) IsAuth() bool {
	return e.Flow == FlowAuth
}

// wireEnvelope is the CBOR form of Envelope. IssuedAt is kept as Unix
// milliseconds so that short TTLs are checked at sub-second resolution.
type wireEnvelope struct {
	Flow         uint8  `cbor:"1,keyasint,omitempty"`
	IssuedAt     int64  `cbor:"2,keyasint"`
	UserID       string `cbor:"3,keyasint,omitempty"`
	Platform     string `cbor:"4,keyasint,omitempty"`
	CodeVerifier string `cbor:"5,keyasint,omitempty"`
	Nonce        string `cbor:"6,keyasint,omitempty"`
	NextURL      string `cbor:"7,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Sort: cbor.SortCoreDeterministic}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

func marshalEnvelope(e Envelope) ([]byte, error) {
	return encMode.Marshal(wireEnvelope{
		Flow:         uint8(e.Flow),
		IssuedAt:     e.IssuedAt.UnixMilli(),
		UserID:       e.UserID,
		Platform:     e.Platform,
		CodeVerifier: e.CodeVerifier,
		Nonce:        e.Nonce,
		NextURL:      e.NextURL,
	})
}

func unmarshalEnvelope(b []byte) (Envelope, error) {
	var w wireEnvelope
	if err := decMode.Unmarshal(b, &w); err != nil {
		return Envelope{}, err
	}
	if w.IssuedAt <= 0 {
		return Envelope{}, fmt.Errorf("missing issue time")
	}
	if Flow(w.Flow) > FlowConnector {
		return Envelope{}, fmt.Errorf("unknown flow %d", w.Flow)
	}
	return Envelope{
		Flow:         Flow(w.Flow),
		IssuedAt:     time.UnixMilli(w.IssuedAt),
		UserID:       w.UserID,
		Platform:     w.Platform,
		CodeVerifier: w.CodeVerifier,
		Nonce:        w.Nonce,
		NextURL:      w.NextURL,
	}, nil
}
