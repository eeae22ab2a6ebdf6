package downlink

import (
	"encoding/base64"
	"strconv"

	"github.com/pkg/errors"

	"github.com/snapemu/lora-server/internal/cryptoengine"
	"github.com/snapemu/lora-server/internal/mac"
	"github.com/snapemu/lora-server/internal/store"
)

// BuildDataFrame assembles, encrypts and signs an unconfirmed or confirmed
// data-down PHYPayload for sess, carrying item's port/payload at fCntDown.
// confirmed selects ConfirmedDataDown vs UnconfirmedDataDown.
func BuildDataFrame(sess *store.Session, item Item, fCntDown uint32, confirmed, framePending bool) ([]byte, error) {
	port := item.Port
	key := sess.AppSKey
	if port == 0 {
		key = sess.NwkSKey
	}
	cipher, err := cryptoengine.EncryptFRMPayload(key, false, sess.DevAddr, fCntDown, item.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "downlink: encrypt frmpayload")
	}

	dp := mac.DataPayload{
		FHDR: mac.FHDR{
			DevAddr: sess.DevAddr,
			FCtrl:   mac.FCtrl{FPending: framePending},
			FCnt:    uint16(fCntDown),
		},
		FPort:      &port,
		FRMPayload: cipher,
	}

	mtype := mac.MTypeUnconfirmedDataDown
	if confirmed {
		mtype = mac.MTypeConfirmedDataDown
	}
	raw := mac.EncodeDataFrame(mtype, dp)

	b0 := cryptoengine.DataMICBlock(1, sess.DevAddr, fCntDown, len(raw))
	mic, err := cryptoengine.ComputeMIC(sess.NwkSKey, append(b0[:], raw...))
	if err != nil {
		return nil, errors.Wrap(err, "downlink: compute mic")
	}
	return append(raw, mic[:]...), nil
}

// EncodeBase64 is a small convenience wrapper matching the gw.TXPK.Data field
// (Semtech's packet forwarder carries PHY payloads as base64).
func EncodeBase64(phy []byte) string {
	return base64.StdEncoding.EncodeToString(phy)
}

// rx2DataRateString renders an RX2 data rate index into the Semtech `datr`
// string (SF<12-dr> with a 125kHz channel, SF clamped to at least 7). It is
// applied to every region as is; internal/band is not consulted for RX2.
func rx2DataRateString(dr int) string {
	sf := 12 - dr
	if sf < 7 {
		sf = 7
	}
	return "SF" + strconv.Itoa(sf) + "BW125"
}
