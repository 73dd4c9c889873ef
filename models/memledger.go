package models

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger 互斥锁保护的内存账本，测试和本地开发用。
// Get 返回深拷贝，保证并发读只看到已提交的快照。
type MemoryLedger struct {
	mu       sync.Mutex
	projects map[string]*Project
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{projects: make(map[string]*Project)}
}

func (l *MemoryLedger) Create(p *Project) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	l.projects[p.ID] = cloneProject(p)
	return nil
}

func (l *MemoryLedger) Get(id string) (*Project, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneProject(p), nil
}

func (l *MemoryLedger) List() ([]ProjectSummary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	summaries := make([]ProjectSummary, 0, len(l.projects))
	for _, p := range l.projects {
		summaries = append(summaries, p.Summarize())
	}
	return summaries, nil
}

func (l *MemoryLedger) CommitScript(id, script, summary string) (*Project, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p.State != StageBriefPending && p.State != StageScriptPending {
		return nil, &InvalidStateError{State: p.State, Expected: "advance"}
	}
	p.Script = script
	p.Summary = summary
	p.State = StageScriptReview
	p.UpdatedAt = time.Now()
	return cloneProject(p), nil
}

func (l *MemoryLedger) CommitStoryboard(id string, scenes []Scene) (*Project, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p.State != StageStoryboardPending {
		return nil, &InvalidStateError{State: p.State, Expected: "advance"}
	}
	now := time.Now()
	p.Storyboard = make([]Scene, len(scenes))
	for i := range scenes {
		scenes[i].ProjectId = id
		if scenes[i].ID == "" {
			scenes[i].ID = uuid.NewString()
		}
		scenes[i].CreatedAt = now
		scenes[i].UpdatedAt = now
		p.Storyboard[i] = scenes[i]
	}
	p.Shots = nil
	p.State = StageStoryboardReady
	p.UpdatedAt = now
	return cloneProject(p), nil
}

func (l *MemoryLedger) CreateShots(id string, shots []Shot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.projects[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	for i := range shots {
		shots[i].CreatedAt = now
		shots[i].UpdatedAt = now
	}
	p.Shots = append(p.Shots, shots...)
	p.UpdatedAt = now
	return nil
}

func (l *MemoryLedger) CommitShotUpdate(id string, sceneNumber int, status, videoURL, errMsg string, costUSD float64) (*Project, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now()
	found := false
	for i := range p.Shots {
		if p.Shots[i].SceneNumber == sceneNumber {
			p.Shots[i].Status = status
			if videoURL != "" {
				p.Shots[i].VideoUrl = videoURL
			}
			if errMsg != "" {
				p.Shots[i].ErrorMessage = errMsg
			}
			if costUSD > 0 {
				p.Shots[i].CostUSD = costUSD
			}
			p.Shots[i].UpdatedAt = now
			found = true
			break
		}
	}
	if !found {
		p.Shots = append(p.Shots, Shot{
			ID:           uuid.NewString(),
			ProjectId:    id,
			SceneNumber:  sceneNumber,
			Status:       status,
			VideoUrl:     videoURL,
			ErrorMessage: errMsg,
			CostUSD:      costUSD,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	p.UpdatedAt = now
	return cloneProject(p), nil
}

func (l *MemoryLedger) SetRenderManifest(id string, m *RenderManifest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.projects[id]
	if !ok {
		return ErrNotFound
	}
	p.RenderManifest = m
	p.UpdatedAt = time.Now()
	return nil
}

func (l *MemoryLedger) SetPreviewRecord(id string, r *PreviewRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.projects[id]
	if !ok {
		return ErrNotFound
	}
	p.PreviewRecord = r
	p.UpdatedAt = time.Now()
	return nil
}

func (l *MemoryLedger) TransitionState(id string, to Stage) (*Project, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !CanTransition(p.State, to) {
		return nil, fmt.Errorf("illegal state transition: %s -> %s", p.State, to)
	}
	p.State = to
	p.UpdatedAt = time.Now()
	return cloneProject(p), nil
}

func (l *MemoryLedger) RecordCost(id string, amountUSD float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.projects[id]
	if !ok {
		return ErrNotFound
	}
	p.CostUSD += amountUSD
	p.UpdatedAt = time.Now()
	return nil
}

func (l *MemoryLedger) SetError(id string, msg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.projects[id]
	if !ok {
		return ErrNotFound
	}
	p.ErrorMessage = msg
	p.UpdatedAt = time.Now()
	return nil
}

func cloneProject(p *Project) *Project {
	cp := *p
	cp.Storyboard = append([]Scene(nil), p.Storyboard...)
	cp.Shots = append([]Shot(nil), p.Shots...)
	if p.RenderManifest != nil {
		m := *p.RenderManifest
		m.Sources = append([]string(nil), p.RenderManifest.Sources...)
		cp.RenderManifest = &m
	}
	if p.PreviewRecord != nil {
		r := *p.PreviewRecord
		cp.PreviewRecord = &r
	}
	return &cp
}
