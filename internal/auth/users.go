package auth

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dcclite-server/dcclite-broker/internal/config"
	"github.com/dcclite-server/dcclite-broker/internal/models"
	"github.com/dcclite-server/dcclite-broker/pkg/crypto"
)

// ErrInvalidCredentials is returned for an unknown email or a wrong password
var ErrInvalidCredentials = errors.New("invalid credentials")

// userNamespace 由邮箱派生稳定的用户 ID，重启后已签发的令牌仍然有效
var userNamespace = uuid.MustParse("0b8a3f52-44c1-4f0e-9d36-5d2f8e7a1c90")

// Users 配置文件中的管理员用户
type Users struct {
	mu      sync.RWMutex
	byEmail map[string]*models.User
	byID    map[uuid.UUID]*models.User
}

// NewUsers builds the user set from config
func NewUsers(admins []config.AdminConfig) *Users {
	u := &Users{
		byEmail: make(map[string]*models.User, len(admins)),
		byID:    make(map[uuid.UUID]*models.User, len(admins)),
	}
	for _, a := range admins {
		email := strings.ToLower(strings.TrimSpace(a.Email))
		user := &models.User{
			ID:           uuid.NewSHA1(userNamespace, []byte(email)),
			Email:        email,
			PasswordHash: a.PasswordHash,
			IsAdmin:      true,
			IsActive:     true,
		}
		u.byEmail[email] = user
		u.byID[user.ID] = user
	}
	return u
}

// Authenticate 校验邮箱与密码，成功时记录登录时间
func (u *Users) Authenticate(email, password string) (*models.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	user, ok := u.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok || !user.IsActive || !crypto.VerifyPassword(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	user.LastLoginAt = &now
	cp := *user
	return &cp, nil
}

// Get looks up a user by ID
func (u *Users) Get(id uuid.UUID) (*models.User, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()

	user, ok := u.byID[id]
	if !ok {
		return nil, false
	}
	cp := *user
	return &cp, true
}

// Len returns the number of configured users
func (u *Users) Len() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.byID)
}
