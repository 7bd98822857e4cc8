package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/pu-ac-cn/cas-server/internal/config"
	"github.com/pu-ac-cn/cas-server/internal/database"
	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/redis"
)

// 开发环境重置工具：
// - Drop 并可选重建账户表；
// - 清空 Redis 中的全部 CAS 票据键（ticket:*、tgt_children:*、pgt_children:*）。
// 仅影响本项目的表和键空间，不会删除数据库或其它数据。
// 用法：
//   go run ./cmd/resetdb -force
// 可选参数：
//   -recreate  重建表（默认 true）
//   -force     必须为 true 才会执行（安全开关）
func main() {
	recreate := flag.Bool("recreate", true, "是否在清空后重建表")
	force := flag.Bool("force", false, "确认执行清空操作")
	flag.Parse()

	if !*force {
		log.Fatal("为避免误操作，请加上 -force 参数：go run ./cmd/resetdb -force")
	}

	// 加载配置并连接数据库
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := database.Init(&cfg.Database); err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}
	defer database.Close()

	db := database.GetDB()
	m := db.Migrator()

	fmt.Println("开始清空账户表...")
	if m.HasTable(&model.User{}) {
		if err := m.DropTable(&model.User{}); err != nil {
			log.Fatalf("删除表失败: %v", err)
		}
		fmt.Println("已删除表: users")
	}

	if *recreate {
		if err := m.AutoMigrate(&model.User{}); err != nil {
			log.Fatalf("创建表失败: %v", err)
		}
		fmt.Println("已创建/更新表: users")
	}

	// 清空票据键空间
	if err := redis.Init(&cfg.Redis); err != nil {
		log.Fatalf("初始化 Redis 失败: %v", err)
	}
	defer redis.Close()

	ctx := context.Background()
	client := redis.GetClient()
	total := 0
	for _, pattern := range []string{"ticket:*", "tgt_children:*", "pgt_children:*"} {
		iter := client.Scan(ctx, 0, pattern, 0).Iterator()
		for iter.Next(ctx) {
			if err := client.Del(ctx, iter.Val()).Err(); err != nil {
				log.Fatalf("删除键失败: %v", err)
			}
			total++
		}
		if err := iter.Err(); err != nil {
			log.Fatalf("扫描键失败: %v", err)
		}
	}
	fmt.Printf("已清除 %d 个票据键\n", total)

	fmt.Println("完成。")
}
