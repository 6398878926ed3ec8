package retrieval

import (
	"sort"

	"github.com/tessellate-ai/graphrag/types"
)

// FusionConfig RRF 融合配置。
type FusionConfig struct {
	// K 平滑常数，弱化各通道头部候选的支配性
	K float64 `json:"k"`
	// Weights 每通道权重；缺失的通道按权重 0 处理（即忽略其贡献）
	Weights map[types.RetrievalChannel]float64 `json:"weights"`
}

// DefaultFusionConfig 返回默认 RRF 配置。
func DefaultFusionConfig() FusionConfig {
	return FusionConfig{
		K: 60,
		Weights: map[types.RetrievalChannel]float64{
			types.ChannelDense:  0.5,
			types.ChannelSparse: 0.3,
			types.ChannelGraph:  0.2,
		},
	}
}

// FuseRRF 以加权倒数排名融合（RRF）合并多通道候选：
//
//	score(chunk) = Σ weight[c] / (K + rank_c(chunk))
//
// 各通道原始分数刻度互不可比，只有通道内排名参与计算。
// 输出按分数降序排列；平分时按贡献通道数降序，再按 ChunkID 升序，
// 保证相同输入总产出相同顺序。
func FuseRRF(cfg FusionConfig, channels map[types.RetrievalChannel][]types.RetrievalCandidate) []types.FusedResult {
	k := cfg.K
	if k <= 0 {
		k = 60
	}

	merged := make(map[string]*types.FusedResult)
	for ch, candidates := range channels {
		weight := cfg.Weights[ch]
		if weight == 0 {
			continue
		}
		for i, cand := range candidates {
			rank := cand.Rank
			if rank <= 0 {
				rank = i + 1
			}
			contribution := weight / (k + float64(rank))

			fr, ok := merged[cand.ChunkID]
			if !ok {
				fr = &types.FusedResult{
					ChunkID:      cand.ChunkID,
					DocumentID:   cand.DocumentID,
					Content:      cand.Content,
					DocumentName: cand.DocumentName,
					Page:         cand.Page,
				}
				merged[cand.ChunkID] = fr
			}
			fr.Score += contribution
			if !fr.HasChannel(ch) {
				fr.Channels = append(fr.Channels, ch)
			}
			// 内容透传优先取非空候选
			if fr.Content == "" && cand.Content != "" {
				fr.Content = cand.Content
				fr.DocumentName = cand.DocumentName
				fr.Page = cand.Page
			}
		}
	}

	results := make([]types.FusedResult, 0, len(merged))
	for _, fr := range merged {
		sortChannels(fr.Channels)
		results = append(results, *fr)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if len(results[i].Channels) != len(results[j].Channels) {
			return len(results[i].Channels) > len(results[j].Channels)
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	return results
}

func sortChannels(chs []types.RetrievalChannel) {
	sort.Slice(chs, func(i, j int) bool { return chs[i] < chs[j] })
}
