// Package model 数据模型定义
package model

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// 用户状态常量
const (
	StatusActive   = "active"   // 启用
	StatusDisabled = "disabled" // 禁用
)

// MaxFailedAttempts 触发锁定的失败登录次数
const MaxFailedAttempts = 5

// LockDuration 账户锁定时长
const LockDuration = 15 * time.Minute

// User CAS 账户
// 仅承担凭据校验职责，不提供用户管理 CRUD
type User struct {
	ID               string         `gorm:"type:char(36);primaryKey" json:"id"`
	Username         string         `gorm:"type:varchar(100);uniqueIndex" json:"username"`
	Email            string         `gorm:"type:varchar(255);uniqueIndex" json:"email"`
	PasswordHash     string         `gorm:"type:varchar(255)" json:"-"`
	DisplayName      string         `gorm:"type:varchar(100)" json:"display_name"`
	Status           string         `gorm:"type:varchar(20);default:active" json:"status"`
	FailedLoginCount int            `gorm:"default:0" json:"-"`
	LockedUntil      *time.Time     `json:"-"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName 指定表名
func (User) TableName() string {
	return "users"
}

// BeforeCreate 创建前自动生成 UUID
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

// SetPassword 设置密码（哈希存储）
func (u *User) SetPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hash)
	return nil
}

// VerifyPassword 验证密码
func (u *User) VerifyPassword(password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password))
	return err == nil
}

// IsActive 检查用户是否启用
func (u *User) IsActive() bool {
	return u.Status == StatusActive
}

// IsLocked 检查用户是否被锁定
func (u *User) IsLocked() bool {
	if u.LockedUntil == nil {
		return false
	}
	return time.Now().Before(*u.LockedUntil)
}

// IncrementFailedLogin 增加登录失败次数，达到上限后锁定账户
func (u *User) IncrementFailedLogin() {
	u.FailedLoginCount++
	if u.FailedLoginCount >= MaxFailedAttempts {
		lockTime := time.Now().Add(LockDuration)
		u.LockedUntil = &lockTime
	}
}

// ResetFailedLogin 重置登录失败次数
func (u *User) ResetFailedLogin() {
	u.FailedLoginCount = 0
	u.LockedUntil = nil
}
