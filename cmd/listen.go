package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leezencounter/leezen/internal/config"
	"github.com/leezencounter/leezen/internal/ingest"
)

const mqttDisconnectQuiesceMs = 250

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Ingest uplinks pushed by the TTN MQTT integration",
	Long:  "Subscribes to the application's uplink topic and stores each detection as it arrives, through the same validation and upsert path as the ingest command.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("listen"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		opts := mqttOptions(cfg.MQTT)
		handler := newUplinkHandler(ctx, env.Pipeline)
		opts.SetOnConnectHandler(func(c mqtt.Client) {
			// Subscribing here restores the subscription after every reconnect.
			tok := c.Subscribe(cfg.MQTT.Topic, byte(cfg.MQTT.QoS), handler)
			if tok.Wait() && tok.Error() != nil {
				zap.L().Error("mqtt: subscribe failed", zap.String("topic", cfg.MQTT.Topic), zap.Error(tok.Error()))
				return
			}
			zap.L().Info("mqtt: subscribed", zap.String("topic", cfg.MQTT.Topic), zap.Int("qos", cfg.MQTT.QoS))
		})

		client := mqtt.NewClient(opts)
		if tok := client.Connect(); tok.Wait() && tok.Error() != nil {
			return eris.Wrap(tok.Error(), "mqtt: connect")
		}
		zap.L().Info("mqtt: connected", zap.String("broker", cfg.MQTT.Broker))

		<-ctx.Done()
		zap.L().Info("mqtt: disconnecting")
		client.Disconnect(mqttDisconnectQuiesceMs)
		return nil
	},
}

func mqttOptions(c config.MQTTConfig) *mqtt.ClientOptions {
	return mqtt.NewClientOptions().
		AddBroker(c.Broker).
		SetClientID(c.ClientID).
		SetUsername(c.Username).
		SetPassword(c.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(time.Minute).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			zap.L().Warn("mqtt: connection lost", zap.Error(err))
		})
}

// uplinkProcessor is the part of the ingestion pipeline the listener drives.
type uplinkProcessor interface {
	ProcessUplink(ctx context.Context, raw []byte) *ingest.Result
}

func newUplinkHandler(ctx context.Context, p uplinkProcessor) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		res := p.ProcessUplink(ctx, msg.Payload())
		zap.L().Debug("mqtt: uplink processed",
			zap.String("topic", msg.Topic()),
			zap.String("run_id", res.RunID),
			zap.Int("saved", res.Saved()),
			zap.Int("invalid", res.Invalid+res.ParseErrors),
		)
	}
}

func init() {
	rootCmd.AddCommand(listenCmd)
}
