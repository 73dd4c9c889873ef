package main

import (
	"fmt"
	"time"

	"creative-studio-server/config"
	"creative-studio-server/models"
	"creative-studio-server/routers"
	"creative-studio-server/routers/api"
	"creative-studio-server/service"

	"github.com/redis/go-redis/v9"
)

func main() {
	config.InitConfig()
	fmt.Println("Server starting on port", config.AppConfig.Server.Port)

	models.InitDB()
	fmt.Println("Database initialized")

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
	})

	enqueuer := service.InitQueue()
	fmt.Println("Queue initialized")

	var gateway service.Gateway
	var artifacts service.ArtifactStore
	if config.AppConfig.Provider.Mode == "mock" {
		// 开发/联调模式：不依赖 worker 和 MinIO
		gateway = service.NewMockGateway()
		artifacts = service.PassthroughStore{}
		fmt.Println("Provider mode: mock")
	} else {
		gateway = service.NewWorkerGateway(config.AppConfig.Worker.Addr)
		artifacts = service.InitMinIO()
		fmt.Println("MinIO initialized")
	}

	ledger := models.NewGormLedger(models.GormDB)
	orc := service.NewOrchestrator(ledger, gateway, artifacts, service.NewRedisCostMonitor(rdb), enqueuer)
	orc.StageTimeout = time.Duration(config.AppConfig.Provider.StageTimeoutSec) * time.Second

	service.StartProcessor(orc)

	api.Setup(orc, service.NewProjectCache(rdb))
	r := routers.InitRouter()
	r.Run(config.AppConfig.Server.Port)
}
