package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	logg *logrus.Logger
)

// GetLogger はアプリケーション共通のロガーを返します
func GetLogger() *logrus.Logger {
	return logg
}

func init() {
	logg = logrus.New()
	logg.SetFormatter(&logrus.JSONFormatter{})
	logg.SetOutput(os.Stdout)
	logg.SetLevel(levelFromEnv(os.Getenv("LOG_LEVEL")))
}

// SetLevel はログレベルを文字列で変更します。不正な値の場合はinfoになります
func SetLevel(level string) {
	logg.SetLevel(levelFromEnv(level))
}

func levelFromEnv(level string) logrus.Level {
	if level == "" {
		return logrus.InfoLevel
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// LogError はモジュール名・関数名付きでエラーを出力します
func LogError(logger *logrus.Logger, moduleName string, funcName string, context string, data any, err error) {
	fields := logrus.Fields{
		"module":   moduleName,
		"funcName": funcName,
		"context":  context,
	}
	if data != nil {
		fields["data"] = data
	}
	logger.WithFields(fields).Error(err.Error())
}
