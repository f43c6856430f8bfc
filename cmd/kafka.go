package cmd

import (
	"fmt"
	"log"

	"Bt1QRec/config"
	"Bt1QRec/mq"

	"github.com/spf13/cobra"
)

var kafkaCmd = &cobra.Command{
	Use:   "kafka",
	Short: "Kafka连接测试",
	Long:  `测试Kafka broker是否可达，并列出推荐主题的分区。`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("开始测试Kafka连接...")

		cfg := config.Load()
		fmt.Printf("Kafka配置: brokers=%v, topic=%s\n", cfg.KafkaBrokers, cfg.RecBeatsTopic)

		if err := mq.TestKafka(cfg); err != nil {
			log.Fatalf("Kafka连接测试失败: %v", err)
		}
		fmt.Println("Kafka连接测试成功！")
	},
}

func init() {
	rootCmd.AddCommand(kafkaCmd)
}
