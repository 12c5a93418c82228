package gtest

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// TimeFactorEnv names the environment variable read into [TimeFactor].
const TimeFactorEnv = "EPOCH_TEST_TIME_FACTOR"

// TimeFactor multiplies every [ScaledDuration] produced by [ScaleMs].
// Engine tests wait on round timers and libp2p tests on real sockets,
// so a loaded CI machine may need e.g. EPOCH_TEST_TIME_FACTOR=3.
var TimeFactor ScaledDuration = 1

func init() {
	v, ok := os.LookupEnv(TimeFactorEnv)
	if !ok || v == "" {
		return
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		panic(fmt.Errorf("failed to parse %s=%q: %w", TimeFactorEnv, v, err))
	}
	if n <= 0 {
		panic(fmt.Errorf("%s must be positive; got %d", TimeFactorEnv, n))
	}

	TimeFactor = ScaledDuration(n)
}

// ScaledDuration is a duration already multiplied by [TimeFactor].
// The channel helpers only accept this type, so literal timeouts do not slip into tests.
type ScaledDuration time.Duration

// ScaleMs returns ms milliseconds multiplied by [TimeFactor].
func ScaleMs(ms int64) ScaledDuration {
	return TimeFactor * ScaledDuration(time.Duration(ms)*time.Millisecond)
}

func Sleep(d ScaledDuration) {
	time.Sleep(time.Duration(d))
}
