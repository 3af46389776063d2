package convert

// ProgressReporter は進捗更新用コールバックです。fraction は 0.0〜1.0 です。
type ProgressReporter func(stage string, fraction float64)

func reportProgress(cb ProgressReporter, stage string, fraction float64) {
	if cb == nil {
		return
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	cb(stage, fraction)
}

// span は全体の [from, to] 区間に、処理内の進捗を割り当てます。
func span(cb ProgressReporter, stage string, from, to float64) func(done, total int) {
	return func(done, total int) {
		if total <= 0 {
			return
		}
		reportProgress(cb, stage, from+(to-from)*float64(done)/float64(total))
	}
}
