package config

import (
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"planpay.com/pkg/logger"
)

// LoadAndWatch 读取 {service}.yaml 并监听变更，热更新写回 out
// onChange 在每次成功重新加载后调用
func LoadAndWatch(service string, out interface{}, onChange ...func()) (*viper.Viper, error) {
	v := viper.New()
	// 约定：config/{service}.yaml
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	// 环境变量覆盖，例如 PAYMENT_REDIS_ADDR 覆盖 redis.addr
	v.SetEnvPrefix(strings.ToUpper(service))
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}
	logger.Log.Info("config loaded", zap.String("service", service), zap.String("file", v.ConfigFileUsed()))

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Log.Info("config file changed", zap.String("service", service), zap.String("file", e.Name))
		if err := v.Unmarshal(out); err != nil {
			logger.Log.Error("reload config failed", zap.String("service", service), zap.Error(err))
			return
		}
		for _, fn := range onChange {
			fn()
		}
	})

	return v, nil
}
