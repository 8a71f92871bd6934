package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"taskcollab/backend/internal/cache"
	"taskcollab/backend/internal/collab"
	"taskcollab/backend/internal/httpapi/handlers"
	"taskcollab/backend/internal/httpapi/middleware"
	"taskcollab/backend/internal/session"
	"taskcollab/backend/internal/store"
	"taskcollab/backend/internal/transport"
	"taskcollab/backend/internal/ws"
)

type CollabConfig struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"Auth"`
}

func initConfig() (*CollabConfig, error) {
	cfg := &CollabConfig{}
	v := viper.New()
	v.SetConfigName("collabd")
	v.SetConfigType("yaml")
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis unreachable: %v", err)
	}
	defer rdb.Close()

	gormDB, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("mysql unreachable: %v", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		log.Fatalf("mysql handle: %v", err)
	}
	defer sqlDB.Close()

	kafkaCfg := sarama.NewConfig()
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("kafka unreachable: %v", err)
	}
	defer producer.Close()

	dispatcher := collab.NewEventDispatcher(
		producer,
		cfg.Kafka.Topic,
		collab.NewSemaphore(0),
		collab.EventDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  time.Second,
		},
	)

	bus := transport.NewRedis(rdb)
	snapshots := store.NewMySQLSnapshotStore(gormDB)
	opLog := store.NewOpLogStore(sqlDB)
	if err := opLog.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("op log schema: %v", err)
	}
	engine := collab.NewInMemoryEngine(collab.EngineOptions{
		Store:      snapshots,
		Bus:        bus,
		Dispatcher: dispatcher,
		Audit:      opLog,
	})

	sessions := session.NewManager(session.ManagerOptions{})
	sessions.Start()
	defer sessions.Stop()

	presenceCache := cache.NewRedisPresence(rdb)
	hub := ws.NewHub(bus, presenceCache)
	wsSem := collab.NewSemaphore(0)
	manager := ws.NewManager(hub, engine, sessions, wsSem)
	entities := handlers.NewEntityHandlers(engine, opLog)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	api := r.Group("/collab")
	api.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	authed := api.Group("")
	authed.Use(middleware.AuthMiddleware([]byte(cfg.Auth.Secret)))
	authed.GET("/ws", manager.WebSocketConnect)
	authed.GET("/entities/:type/:id/snapshot", entities.GetSnapshot)
	authed.GET("/entities/:type/:id/ops", entities.GetOps)
	authed.POST("/entities/:type/:id/snapshot", entities.SaveSnapshot)

	if err := r.Run(fmt.Sprintf(":%d", cfg.Running.Port)); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
