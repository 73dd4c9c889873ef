package config

import (
    "log"
    "os"

    "github.com/joho/godotenv"
    "gopkg.in/yaml.v2"
)

type Config struct {
    Server struct {
        Port string `yaml:"port"`
    } `yaml:"server"`
    MySQL struct {
        DSN string `yaml:"dsn"`
    } `yaml:"mysql"`

    Redis struct {
        Addr     string `yaml:"addr"`
        Password string `yaml:"password"`
    } `yaml:"redis"`
    Worker struct {
        Addr string `yaml:"addr"`
    } `yaml:"worker"`
    Provider struct {
        // mode: "http" 走 worker 服务, "mock" 本地假数据（开发/测试用）
        Mode              string `yaml:"mode"`
        StageTimeoutSec   int    `yaml:"stage_timeout_sec"`
        RenderConcurrency int    `yaml:"render_concurrency"`
    } `yaml:"provider"`
    MinIO struct {
        Endpoint  string `yaml:"endpoint"`
        AccessKey string `yaml:"access_key"`
        SecretKey string `yaml:"secret_key"`
        Bucket    string `yaml:"bucket"`
        UseSSL    bool   `yaml:"use_ssl"`
    } `yaml:"minio"`
    Cache struct {
        ProjectListTTLSec int `yaml:"project_list_ttl_sec"`
    } `yaml:"cache"`
}

var AppConfig *Config

func InitConfig() {
    // .env 存在时先加载（本地开发覆盖 redis/mysql 地址等）
    _ = godotenv.Load()

    path := os.Getenv("CONFIG_PATH")
    if path == "" {
        path = "config/config.yaml"
    }
    f, err := os.Open(path)
    if err != nil {
        log.Fatalf("配置文件读取失败: %v", err)
    }
    defer f.Close()
    decoder := yaml.NewDecoder(f)
    AppConfig = &Config{}
    if err := decoder.Decode(AppConfig); err != nil {
        log.Fatalf("配置文件解析失败: %v", err)
    }

    if dsn := os.Getenv("MYSQL_DSN"); dsn != "" {
        AppConfig.MySQL.DSN = dsn
    }
    if addr := os.Getenv("REDIS_ADDR"); addr != "" {
        AppConfig.Redis.Addr = addr
    }
    if AppConfig.Provider.StageTimeoutSec <= 0 {
        AppConfig.Provider.StageTimeoutSec = 120
    }
    if AppConfig.Provider.RenderConcurrency <= 0 {
        AppConfig.Provider.RenderConcurrency = 5
    }
    if AppConfig.Cache.ProjectListTTLSec <= 0 {
        AppConfig.Cache.ProjectListTTLSec = 10
    }
}
