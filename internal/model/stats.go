package model

// ChannelStats はチャネル別のリカバリー実績です
type ChannelStats struct {
	Sent         int     `json:"sent"`
	Recovered    int     `json:"recovered"`
	RecoveryRate float64 `json:"recovery_rate"`
}

// RecoveryStats は管理画面向けの集計結果です
//
// TotalRecovered と RevenueRecovered は放棄されたあとに予約されたカートだけを数えます。
// 放棄される前に予約されたカートはCart.Recoveredがtrueでも含みません。
// そのため予約済みカートの総数とは一致しません
type RecoveryStats struct {
	TotalAbandoned int `json:"total_abandoned"`
	// TotalRecovered は放棄後に予約まで至ったカートの数です
	TotalRecovered int     `json:"total_recovered"`
	RecoveryRate   float64 `json:"recovery_rate"`
	// RevenueRecovered は放棄後に予約まで至ったカートの合計金額です
	RevenueRecovered float64                      `json:"revenue_recovered"`
	AverageCartValue float64                      `json:"average_cart_value"`
	AbandonedByStage map[Stage]int                `json:"abandoned_by_stage"`
	ByChannel        map[AttemptType]ChannelStats `json:"by_channel"`
}

// ComputeRecoveryStats はカート一覧からリカバリー実績を集計します
// 放棄されていないカートは集計対象外で、回収数は放棄後に予約まで至ったカートの数です
func ComputeRecoveryStats(carts []Cart) RecoveryStats {
	stats := RecoveryStats{
		AbandonedByStage: make(map[Stage]int),
		ByChannel:        make(map[AttemptType]ChannelStats),
	}

	var abandonedValue float64
	for _, c := range carts {
		if !c.IsAbandoned() {
			continue
		}
		stats.TotalAbandoned++
		abandonedValue += c.TotalPrice
		stats.AbandonedByStage[c.Stage]++

		if c.Recovered {
			stats.TotalRecovered++
			stats.RevenueRecovered += c.TotalPrice
		}

		for _, a := range c.RecoveryAttempts {
			ch := stats.ByChannel[a.Type]
			ch.Sent++
			if c.Recovered {
				ch.Recovered++
			}
			stats.ByChannel[a.Type] = ch
		}
	}

	stats.RecoveryRate = percentage(stats.TotalRecovered, stats.TotalAbandoned)
	if stats.TotalAbandoned > 0 {
		stats.AverageCartValue = abandonedValue / float64(stats.TotalAbandoned)
	}
	for t, ch := range stats.ByChannel {
		ch.RecoveryRate = percentage(ch.Recovered, ch.Sent)
		stats.ByChannel[t] = ch
	}

	return stats
}

func percentage(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}
