package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/uma-arai/checkout-notifier/internal/common/config"
	"github.com/uma-arai/checkout-notifier/internal/common/database"
	"github.com/uma-arai/checkout-notifier/internal/common/logger"
	"github.com/uma-arai/checkout-notifier/internal/common/utils"
	"github.com/uma-arai/checkout-notifier/internal/service/batch"
)

const (
	projectName = "checkout-notifier-batch"
)

func main() {
	log := logger.GetLogger()

	// .envがあれば読み込む
	if err := godotenv.Load(); err == nil {
		log.Info("loaded .env")
	}

	// コマンドライン引数のパース
	timeout := flag.Duration("timeout", 0, "バッチ処理のタイムアウト時間(0の場合はRUN_TIMEOUT)")
	flag.Parse()

	// 最後の引数として渡されたタスクトークンを取得
	// ENV=LOCALの場合はタスクトークンを取得しない
	taskToken := "DUMMY_TASK_TOKEN"
	if os.Getenv("ENV") != "LOCAL" {
		if flag.NArg() == 0 || flag.Arg(flag.NArg()-1) == "" {
			log.Fatal("Task token is required")
		}
		taskToken = flag.Arg(flag.NArg() - 1)
	}

	// 設定の読み込み
	cfg, err := config.LoadConfig(taskToken)
	if err != nil {
		log.Fatalf("Failed to load config: %v\nStack trace:\n%s", err, debug.Stack())
	}
	if *timeout > 0 {
		cfg.Notify.RunTimeout = *timeout
	}

	// X-Ray設定
	if cfg.EnableTracing {
		if err := xray.Configure(xray.Config{
			DaemonAddr:     "127.0.0.1:2000",
			ServiceVersion: "1.0.0",
		}); err != nil {
			log.WithError(err).Warn("Failed to configure X-Ray")
			if configErr := xray.Configure(xray.Config{}); configErr != nil {
				log.Fatalf("Failed to configure default X-Ray settings: %v", configErr)
			}
		}
		os.Setenv("AWS_XRAY_CONTEXT_MISSING", "LOG_ERROR")
	}

	// Step Functionsクライアントの初期化
	var sfnClient batch.SFNClient
	if os.Getenv("ENV") != "LOCAL" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			log.Fatalf("Failed to load AWS config: %v\nStack trace:\n%s", err, debug.Stack())
		}
		sfnClient = sfn.NewFromConfig(awsCfg)
	}

	db, err := database.NewDB(cfg.DB)
	if err != nil {
		log.Fatalf("Failed to connect database: %v\nStack trace:\n%s", err, debug.Stack())
	}
	defer db.Close()

	// サービスの初期化
	service, err := batch.NewCheckoutNotificationBatchService(cfg, db, sfnClient)
	if err != nil {
		log.Fatalf("Failed to create service: %v\nStack trace:\n%s", err, debug.Stack())
	}
	defer service.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// X-Rayセグメントの作成
	if cfg.EnableTracing {
		var seg *xray.Segment
		ctx, seg = xray.BeginSegment(ctx, projectName)
		defer seg.Close(nil)

		if err := seg.AddMetadata("timeout", cfg.Notify.RunTimeout.String()); err != nil {
			log.WithError(err).Warn("Failed to add timeout metadata")
		}
	}

	// シグナルハンドリングの設定
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// バッチ処理の実行
	errChan := make(chan error, 1)
	go func() {
		errChan <- utils.RunWithTimeout(ctx, cfg.Notify.RunTimeout, service.Run)
	}()

	// シグナルまたはエラーの待機
	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Warn("Received signal")
		cancel()
		// 実行中の予約の処理を終えるまで待つ
		<-errChan
	case err := <-errChan:
		if err != nil {
			log.WithFields(logrus.Fields{"error": err.Error()}).Error("Batch process failed")
			service.Close()
			db.Close()
			os.Exit(1)
		}
		log.Info("Batch process completed successfully")
	}
}
