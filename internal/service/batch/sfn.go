package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/uma-arai/checkout-notifier/internal/common/logger"
	"github.com/uma-arai/checkout-notifier/internal/common/utils"
	"github.com/uma-arai/checkout-notifier/internal/model"
)

// SFNClient はStep Functionsのタスク結果通知を担当するインターフェースです
type SFNClient interface {
	SendTaskSuccess(ctx context.Context, params *sfn.SendTaskSuccessInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error)
	SendTaskFailure(ctx context.Context, params *sfn.SendTaskFailureInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskFailureOutput, error)
}

// Run はバッチを1回実行し、結果をStep Functionsへ返却します
func (s *CheckoutNotificationBatchService) Run(ctx context.Context) error {
	// X-Rayセグメントの作成
	ctx, seg := xray.BeginSubsegment(ctx, "CheckoutNotificationBatchService.Run")
	defer seg.Close(nil)

	report, err := s.RunOnce(ctx, s.now())
	if err != nil {
		if sfnErr := s.sendTaskFailure(ctx, err); sfnErr != nil {
			logger.GetLogger().WithError(sfnErr).Error("failed to send task failure")
		}
		seg.Close(err)
		return utils.GetStackWithError(fmt.Errorf("failed to run checkout notifications: %w", err))
	}

	// 実行結果を返却
	if err := s.sendTaskSuccess(ctx, report); err != nil {
		return utils.GetStackWithError(fmt.Errorf("failed to send task success: %w", err))
	}

	return nil
}

// sendTaskSuccess は、Step Functionsのタスク成功を通知し、実行結果を返却します
func (s *CheckoutNotificationBatchService) sendTaskSuccess(ctx context.Context, report *model.RunReport) error {
	log := logger.GetLogger()

	// ローカルの場合はStep Functionsの処理をスキップ
	if os.Getenv("ENV") == "LOCAL" || s.sfnClient == nil {
		log.Info("Local environment detected. Skipping Step Functions task success notification")
		return nil
	}

	output, err := json.Marshal(map[string]any{
		"report": report,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal run report: %w", err)
	}

	// タスクトークンを設定から取得
	taskToken := s.cfg.SFN.TaskToken
	if taskToken == "" {
		return fmt.Errorf("SFN_TASK_TOKEN is not set in config")
	}

	input := &sfn.SendTaskSuccessInput{
		TaskToken: aws.String(taskToken),
		Output:    aws.String(string(output)),
	}

	if _, err := s.sfnClient.SendTaskSuccess(ctx, input); err != nil {
		return fmt.Errorf("failed to send task success: %w", err)
	}

	log.WithField("run_id", report.RunID).Info("Successfully sent task success")
	return nil
}

// sendTaskFailure は、Step Functionsのタスク失敗を通知します
func (s *CheckoutNotificationBatchService) sendTaskFailure(ctx context.Context, cause error) error {
	if os.Getenv("ENV") == "LOCAL" || s.sfnClient == nil {
		return nil
	}

	taskToken := s.cfg.SFN.TaskToken
	if taskToken == "" {
		return fmt.Errorf("SFN_TASK_TOKEN is not set in config")
	}

	// causeは最大32768文字
	message := cause.Error()
	if len(message) > 32768 {
		message = message[:32768]
	}

	_, err := s.sfnClient.SendTaskFailure(ctx, &sfn.SendTaskFailureInput{
		TaskToken: aws.String(taskToken),
		Error:     aws.String("CheckoutNotificationError"),
		Cause:     aws.String(message),
	})
	if err != nil {
		return fmt.Errorf("failed to send task failure: %w", err)
	}
	return nil
}
