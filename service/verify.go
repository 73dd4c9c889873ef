package service

import (
	"context"
	"net/http"
	"time"

	"creative-studio-server/models"
)

const (
	AssetOK      = "ok"
	AssetExpired = "expired"
	AssetMissing = "missing"
)

// AssetCheck 单个外链资源的可达性结论。
// missing = 根本没有产物；expired = 有地址但已经打不开（预签名过期等）。
type AssetCheck struct {
	Kind        string `json:"kind"` // scene_reference | shot_video | preview
	SceneNumber int    `json:"sceneNumber,omitempty"`
	URL         string `json:"url,omitempty"`
	Status      string `json:"status"`
}

// AssetVerifier 逐个 HEAD 探测项目的外链资源。
type AssetVerifier struct {
	Client *http.Client
}

func NewAssetVerifier() *AssetVerifier {
	return &AssetVerifier{Client: &http.Client{Timeout: 10 * time.Second}}
}

func (v *AssetVerifier) Verify(ctx context.Context, p *models.Project) []AssetCheck {
	checks := make([]AssetCheck, 0, len(p.Storyboard)+len(p.Shots)+1)
	for i := range p.Storyboard {
		sc := &p.Storyboard[i]
		checks = append(checks, AssetCheck{
			Kind:        "scene_reference",
			SceneNumber: sc.SceneNumber,
			URL:         sc.VisualReferencePath,
			Status:      v.probe(ctx, sc.VisualReferencePath),
		})
	}
	for i := range p.Shots {
		sh := &p.Shots[i]
		checks = append(checks, AssetCheck{
			Kind:        "shot_video",
			SceneNumber: sh.SceneNumber,
			URL:         sh.VideoUrl,
			Status:      v.probe(ctx, sh.VideoUrl),
		})
	}
	if p.PreviewRecord != nil {
		checks = append(checks, AssetCheck{
			Kind:   "preview",
			URL:    p.PreviewRecord.PreviewURL,
			Status: v.probe(ctx, p.PreviewRecord.PreviewURL),
		})
	}
	return checks
}

func (v *AssetVerifier) probe(ctx context.Context, url string) string {
	if url == "" {
		return AssetMissing
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return AssetExpired
	}
	resp, err := v.Client.Do(req)
	if err != nil {
		return AssetExpired
	}
	resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return AssetOK
	}
	return AssetExpired
}
