package cmd

import (
	"Bt1QRec/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动1QRec服务器",
	Long:  `启动1QRec推荐系统的HTTP服务器和消息总线消费者`,
	Run: func(cmd *cobra.Command, args []string) {
		server.Start()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
