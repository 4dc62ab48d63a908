package calculator

import "SwingSentinel/internal/model"

const half = model.SwingWindow / 2

// DetectSwings scans an open-time ordered candle series for five-candle swing
// patterns. A center is a swing high when its high is strictly greater than the
// highs of the two candles on either side, and a swing low when its low is
// strictly lower than their lows. Both may fire on the same center; the high
// is reported first. Results are ordered by center index.
func DetectSwings(candles []model.Candle) []model.SwingCandidate {
	if len(candles) < model.SwingWindow {
		return nil
	}
	var out []model.SwingCandidate
	for i := half; i < len(candles)-half; i++ {
		if isSwingHigh(candles, i) {
			out = append(out, candidate(candles, i, model.High))
		}
		if isSwingLow(candles, i) {
			out = append(out, candidate(candles, i, model.Low))
		}
	}
	return out
}

func isSwingHigh(candles []model.Candle, center int) bool {
	h := candles[center].High
	for j := center - half; j <= center+half; j++ {
		if j != center && candles[j].High >= h {
			return false
		}
	}
	return true
}

func isSwingLow(candles []model.Candle, center int) bool {
	l := candles[center].Low
	for j := center - half; j <= center+half; j++ {
		if j != center && candles[j].Low <= l {
			return false
		}
	}
	return true
}

func candidate(candles []model.Candle, center int, o model.Orientation) model.SwingCandidate {
	c := model.SwingCandidate{Orientation: o, Center: center}
	copy(c.Members[:], candles[center-half:center+half+1])
	return c
}
