package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dcclite-server/dcclite-broker/internal/api"
	"github.com/dcclite-server/dcclite-broker/internal/broker"
	"github.com/dcclite-server/dcclite-broker/internal/config"
	"github.com/dcclite-server/dcclite-broker/internal/decoder"
	"github.com/dcclite-server/dcclite-broker/internal/device"
	"github.com/dcclite-server/dcclite-broker/internal/gateway"
	"github.com/dcclite-server/dcclite-broker/internal/storage"
	"github.com/dcclite-server/dcclite-broker/pkg/crypto"
)

func main() {
	// 命令行参数
	var configPath = flag.String("config", "config/dcclite-broker.yml", "配置文件路径")
	var validateOnly = flag.Bool("validate", false, "仅验证配置文件与设备定义")
	var showConfig = flag.Bool("show-config", false, "显示配置并退出")
	var hashPassword = flag.String("hash-password", "", "输出密码的 bcrypt 哈希并退出")
	var genSecret = flag.Bool("gen-secret", false, "生成随机 JWT 密钥并退出")
	flag.Parse()

	// 设置日志
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if *hashPassword != "" {
		hash, err := crypto.HashPassword(*hashPassword)
		if err != nil {
			log.Fatal().Err(err).Msg("生成密码哈希失败")
		}
		fmt.Println(hash)
		return
	}

	if *genSecret {
		secret, err := crypto.GenerateRandomString(32)
		if err != nil {
			log.Fatal().Err(err).Msg("生成密钥失败")
		}
		fmt.Println(secret)
		return
	}

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("加载配置失败")
	}
	cfg.ConfigureLogger(os.Stderr)

	if *showConfig {
		cfg.PrintConfigSummary()
		return
	}

	// 加载设备与信号机，任何错误都是致命的
	devices, err := config.LoadDevices(cfg.Broker.DevicesDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.Broker.DevicesDir).Msg("加载设备失败")
	}
	signals, err := config.LoadSignals(cfg.Broker.SignalsFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.Broker.SignalsFile).Msg("加载信号机失败")
	}

	if *validateOnly {
		if _, err := broker.NewService(broker.Options{
			Name:     cfg.Broker.Name,
			Registry: decoder.NewRegistry(),
			Devices:  devices,
			Signals:  signals,
		}); err != nil {
			log.Fatal().Err(err).Msg("设备配置无效")
		}
		cfg.PrintConfigSummary()
		fmt.Printf("配置验证通过: %d 个设备, %d 个信号机\n", len(devices), len(signals))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 绑定 UDP 端口，失败即退出
	transport, err := gateway.NewUDPTransport(fmt.Sprintf(":%d", cfg.Broker.Port), cfg.Broker.InboxSize)
	if err != nil {
		log.Fatal().Err(err).Int("port", cfg.Broker.Port).Msg("绑定 UDP 端口失败")
	}

	opts := broker.Options{
		Name:     cfg.Broker.Name,
		Registry: decoder.NewRegistry(),
		Devices:  devices,
		Signals:  signals,
		Sender:   transport,
	}

	var wg sync.WaitGroup

	// 可选：数据库
	var store storage.Store
	if cfg.Database.DSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.Database.DSN, storage.PoolOptions{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("连接数据库失败")
		}
		defer pg.Close()

		if err := pg.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("数据库迁移失败")
		}
		store = pg
		log.Info().Msg("已连接数据库")

		persister := broker.NewPersister(cfg.Broker.Name, pg, cfg.Broker.StateQueue)
		opts.States = append(opts.States, persister)

		wg.Add(1)
		go func() {
			defer wg.Done()
			persister.Run(ctx)
		}()
	} else {
		log.Info().Msg("未配置数据库，不保存设备状态")
	}

	// 可选：NATS 事件发布
	if cfg.NATS.URL != "" {
		nc, err := connectNATS(cfg)
		if err != nil {
			log.Warn().Err(err).Msg("连接 NATS 失败，不发布设备事件")
		} else {
			defer nc.Close()
			opts.Sinks = append(opts.Sinks, broker.NewPublisher(nc, cfg.NATS.SubjectPrefix, cfg.Broker.Name))
			log.Info().Str("url", cfg.NATS.URL).Msg("已连接 NATS")
		}
	}

	// 管理 API 的实时事件推送
	hub := api.NewEventHub(cfg.Broker.Name, cfg.API.MaxLiveClients)
	opts.Sinks = append(opts.Sinks, hub, device.EventSinkFunc(logEvent))

	svc, err := broker.NewService(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("设备配置无效")
	}

	// UDP 读协程
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := transport.Start(ctx); err != nil {
			log.Error().Err(err).Msg("UDP 传输层退出")
		}
	}()

	// 引擎协程
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := svc.Run(ctx, transport.Inbox(), cfg.Broker.TickInterval); err != nil {
			log.Error().Err(err).Msg("broker 引擎退出")
		}
	}()

	// 管理 API
	apiServer := api.NewRESTServer(cfg, svc, store, hub)
	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := apiServer.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("REST API 服务失败")
		}
	}()

	// 等待信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("收到信号，开始关闭")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("REST API 未能正常关闭")
	}

	wg.Wait()

	st := transport.Stats()
	log.Info().
		Uint64("received", st.Received).
		Uint64("sent", st.Sent).
		Uint64("dropped", st.Dropped).
		Msg("DCCLite broker 已停止")
}

func connectNATS(cfg *config.Config) (*nats.Conn, error) {
	return nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.NATS.ClientID),
		nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("与 NATS 断开")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Msg("已重连 NATS")
		}),
	)
}

// logEvent 把会话事件写入日志
func logEvent(ev device.Event) {
	e := log.Debug()
	if ev.Type == device.EventDesync {
		e = log.Warn()
	}
	e.Str("device", ev.Device).
		Str("event", string(ev.Type)).
		Str("reason", ev.Reason).
		Msg("设备事件")
}
