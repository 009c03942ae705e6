package transport

import "math"

const (
	probeWindowSamples  = 2048
	probeMaxLagSamples  = 192
	probeMinOverlap     = 32
	probeMinEnergy      = 1e-9
	probeMinCorrelation = 0.08
)

// TransientLag is the bounded-lag cross-correlation of master and follower
// around their estimated source positions. It is only logged.
type TransientLag struct {
	LagMs       float64
	Correlation float64
	WindowMs    float64
}

func transientLag(master, target *ProbeBuffer, masterSec, targetSec float64) (TransientLag, bool) {
	if master == nil || target == nil {
		return TransientLag{}, false
	}
	masterRate, targetRate := master.SampleRate, target.SampleRate
	if !finite(masterRate) || !finite(targetRate) || masterRate <= 0 || targetRate <= 0 {
		return TransientLag{}, false
	}
	if math.Abs(masterRate-targetRate) > 1 {
		return TransientLag{}, false
	}

	half := probeWindowSamples / 2
	masterStart := int(math.Round(masterSec*masterRate)) - half
	targetStart := int(math.Round(targetSec*targetRate)) - half
	if masterStart < 0 || targetStart < 0 {
		return TransientLag{}, false
	}
	if masterStart+probeWindowSamples > len(master.Samples) || targetStart+probeWindowSamples > len(target.Samples) {
		return TransientLag{}, false
	}
	mw := master.Samples[masterStart : masterStart+probeWindowSamples]
	tw := target.Samples[targetStart : targetStart+probeWindowSamples]

	bestLag, bestScore, bestCorr := 0, -1.0, 0.0
	for lag := -probeMaxLagSamples; lag <= probeMaxLagSamples; lag++ {
		srcStart, dstStart := 0, 0
		if lag < 0 {
			srcStart = -lag
		} else {
			dstStart = lag
		}
		overlap := probeWindowSamples - abs(lag)
		if overlap <= probeMinOverlap {
			continue
		}
		var sum, sumMaster, sumTarget float64
		for i := 0; i < overlap; i++ {
			m := float64(mw[srcStart+i])
			t := float64(tw[dstStart+i])
			sum += m * t
			sumMaster += m * m
			sumTarget += t * t
		}
		if sumMaster <= probeMinEnergy || sumTarget <= probeMinEnergy {
			continue
		}
		corr := sum / math.Sqrt(sumMaster*sumTarget)
		if score := math.Abs(corr); score > bestScore {
			bestScore, bestLag, bestCorr = score, lag, corr
		}
	}
	if bestScore < probeMinCorrelation {
		return TransientLag{}, false
	}
	return TransientLag{
		LagMs:       float64(bestLag) / masterRate * 1000,
		Correlation: bestCorr,
		WindowMs:    float64(probeWindowSamples) / masterRate * 1000,
	}, true
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
