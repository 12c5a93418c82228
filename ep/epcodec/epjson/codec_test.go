package epjson_test

import (
	"testing"

	"github.com/gordian-engine/epoch/ep/epcodec"
	"github.com/gordian-engine/epoch/ep/epcodec/epcodectest"
	"github.com/gordian-engine/epoch/ep/epcodec/epjson"
	"github.com/gordian-engine/epoch/gcrypto"
)

func TestMarshalCodecCompliance(t *testing.T) {
	t.Parallel()

	epcodectest.TestMarshalCodecCompliance(t, func() epcodec.MarshalCodec {
		var reg gcrypto.Registry
		gcrypto.RegisterEd25519(&reg)
		return epjson.MarshalCodec{CryptoRegistry: &reg}
	})
}
