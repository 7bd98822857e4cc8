// 创建或重置 CAS 账户的运维工具
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/pu-ac-cn/cas-server/internal/config"
	"github.com/pu-ac-cn/cas-server/internal/database"
	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/repository"
	"github.com/pu-ac-cn/cas-server/internal/service"
)

func main() {
	if len(os.Args) < 4 {
		fmt.Println("用法: adduser <用户名> <邮箱> <密码> [显示名]")
		fmt.Println("示例: adduser alice alice@example.com 'S3cretPwd' 爱丽丝")
		fmt.Println("用户已存在时重置其密码并解除锁定")
		os.Exit(1)
	}

	username, email, password := os.Args[1], os.Args[2], os.Args[3]
	displayName := username
	if len(os.Args) > 4 {
		displayName = os.Args[4]
	}

	if !service.IsPasswordStrong(password) {
		log.Fatal("密码强度不足：至少 8 位，包含大写字母、小写字母和数字")
	}

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 初始化数据库
	if err := database.Init(&cfg.Database); err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}
	defer database.Close()

	ctx := context.Background()
	userRepo := repository.NewUserRepository(database.GetDB())
	authService := service.NewAuthService(userRepo)

	// 已存在则重置密码并解除锁定
	existing, err := userRepo.GetByUsername(ctx, username)
	if err == nil {
		if err := authService.ResetPassword(ctx, existing.ID, password); err != nil {
			log.Fatalf("重置密码失败: %v", err)
		}
		fmt.Printf("用户 %s 密码已重置\n", username)
		return
	}
	if !errors.Is(err, repository.ErrUserNotFound) {
		log.Fatalf("查询用户失败: %v", err)
	}

	user := &model.User{
		Username:    username,
		Email:       email,
		DisplayName: displayName,
		Status:      model.StatusActive,
	}
	if err := user.SetPassword(password); err != nil {
		log.Fatalf("设置密码失败: %v", err)
	}
	if err := userRepo.Create(ctx, user); err != nil {
		log.Fatalf("创建用户失败: %v", err)
	}

	fmt.Printf("用户 %s 创建成功 (id=%s)\n", username, user.ID)
}
