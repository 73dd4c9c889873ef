package models

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"creative-studio-server/config"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var GormDB *gorm.DB

func InitDB() {
	if config.AppConfig == nil {
		log.Fatal("config.AppConfig is nil, call config.InitConfig first")
	}
	dsn := config.AppConfig.MySQL.DSN
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatalf("打开数据库失败: %v", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		log.Fatalf("连接数据库失败: %v", err)
	}

	GormDB, err = gorm.Open(mysql.New(mysql.Config{
		Conn: db,
	}), &gorm.Config{})
	if err != nil {
		log.Fatalf("GORM 初始化失败: %v", err)
	}

	if err := GormDB.AutoMigrate(&Project{}, &Scene{}, &Shot{}); err != nil {
		log.Fatalf("自动建表失败: %v", err)
	}
	log.Println("数据库连接成功")
}

// GormLedger 基于 MySQL 的账本实现。
type GormLedger struct {
	DB *gorm.DB
}

func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{DB: db}
}

func (l *GormLedger) Create(p *Project) error {
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	return l.DB.Create(p).Error
}

func (l *GormLedger) Get(id string) (*Project, error) {
	var p Project
	if err := l.DB.First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := l.DB.Order("scene_number ASC").Find(&p.Storyboard, "project_id = ?", id).Error; err != nil {
		return nil, err
	}
	if err := l.DB.Order("scene_number ASC").Find(&p.Shots, "project_id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (l *GormLedger) List() ([]ProjectSummary, error) {
	var projects []Project
	if err := l.DB.Order("created_at DESC").Find(&projects).Error; err != nil {
		return nil, err
	}
	summaries := make([]ProjectSummary, 0, len(projects))
	for i := range projects {
		summaries = append(summaries, projects[i].Summarize())
	}
	return summaries, nil
}

func (l *GormLedger) CommitScript(id, script, summary string) (*Project, error) {
	p, err := l.Get(id)
	if err != nil {
		return nil, err
	}
	if p.State != StageBriefPending && p.State != StageScriptPending {
		return nil, &InvalidStateError{State: p.State, Expected: "advance"}
	}
	updates := map[string]interface{}{
		"script":     script,
		"summary":    summary,
		"state":      StageScriptReview,
		"updated_at": time.Now(),
	}
	if err := l.DB.Model(&Project{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, err
	}
	return l.Get(id)
}

func (l *GormLedger) CommitStoryboard(id string, scenes []Scene) (*Project, error) {
	p, err := l.Get(id)
	if err != nil {
		return nil, err
	}
	if p.State != StageStoryboardPending {
		return nil, &InvalidStateError{State: p.State, Expected: "advance"}
	}
	// 分镜整体替换 + 旧 shots 清理放在一个事务里，避免读到半套分镜
	err = l.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&Scene{}, "project_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&Shot{}, "project_id = ?", id).Error; err != nil {
			return err
		}
		if len(scenes) > 0 {
			if err := tx.Create(&scenes).Error; err != nil {
				return err
			}
		}
		return tx.Model(&Project{}).Where("id = ?", id).Updates(map[string]interface{}{
			"state":      StageStoryboardReady,
			"updated_at": time.Now(),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return l.Get(id)
}

func (l *GormLedger) CreateShots(id string, shots []Shot) error {
	if len(shots) == 0 {
		return nil
	}
	now := time.Now()
	for i := range shots {
		shots[i].CreatedAt = now
		shots[i].UpdatedAt = now
	}
	return l.DB.Create(&shots).Error
}

func (l *GormLedger) CommitShotUpdate(id string, sceneNumber int, status, videoURL, errMsg string, costUSD float64) (*Project, error) {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	if videoURL != "" {
		updates["video_url"] = videoURL
	}
	if errMsg != "" {
		updates["error_message"] = errMsg
	}
	if costUSD > 0 {
		updates["cost_usd"] = costUSD
	}
	res := l.DB.Model(&Shot{}).
		Where("project_id = ? AND scene_number = ?", id, sceneNumber).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// 迟到的完成可能对应一条未建过的 shot（极少见），按 upsert 补一条
		shot := Shot{
			ID:           uuid.NewString(),
			ProjectId:    id,
			SceneNumber:  sceneNumber,
			Status:       status,
			VideoUrl:     videoURL,
			ErrorMessage: errMsg,
			CostUSD:      costUSD,
			CreatedAt:    time.Now(),
			UpdatedAt:    time.Now(),
		}
		if err := l.DB.Create(&shot).Error; err != nil {
			return nil, err
		}
	}
	if err := l.touch(id); err != nil {
		return nil, err
	}
	return l.Get(id)
}

func (l *GormLedger) SetRenderManifest(id string, m *RenderManifest) error {
	return l.DB.Model(&Project{}).Where("id = ?", id).Updates(map[string]interface{}{
		"render_manifest": m,
		"updated_at":      time.Now(),
	}).Error
}

func (l *GormLedger) SetPreviewRecord(id string, r *PreviewRecord) error {
	return l.DB.Model(&Project{}).Where("id = ?", id).Updates(map[string]interface{}{
		"preview_record": r,
		"updated_at":     time.Now(),
	}).Error
}

func (l *GormLedger) TransitionState(id string, to Stage) (*Project, error) {
	var p Project
	if err := l.DB.Select("state").First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !CanTransition(p.State, to) {
		return nil, fmt.Errorf("illegal state transition: %s -> %s", p.State, to)
	}
	// WHERE 带上当前状态，两个并发迁移只有一个能写成功
	res := l.DB.Model(&Project{}).Where("id = ? AND state = ?", id, p.State).Updates(map[string]interface{}{
		"state":      to,
		"updated_at": time.Now(),
	})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("illegal state transition: %s -> %s (state moved concurrently)", p.State, to)
	}
	return l.Get(id)
}

func (l *GormLedger) RecordCost(id string, amountUSD float64) error {
	return l.DB.Model(&Project{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"cost_usd":   gorm.Expr("cost_usd + ?", amountUSD),
			"updated_at": time.Now(),
		}).Error
}

func (l *GormLedger) SetError(id string, msg string) error {
	return l.DB.Model(&Project{}).Where("id = ?", id).Updates(map[string]interface{}{
		"error_message": msg,
		"updated_at":    time.Now(),
	}).Error
}

func (l *GormLedger) touch(id string) error {
	return l.DB.Model(&Project{}).Where("id = ?", id).
		Update("updated_at", time.Now()).Error
}
