package main

import (
	"context"
	"sync"

	"github.com/MrEthical07/vigil"
)

// directory is an in-memory vigil.UserProvider with secondary indexes.
type directory struct {
	mu         sync.RWMutex
	byID       map[string]vigil.UserRecord
	byEmail    map[string]string
	byPhone    map[string]string
	byProvider map[string]string
}

func newDirectory() *directory {
	return &directory{
		byID:       map[string]vigil.UserRecord{},
		byEmail:    map[string]string{},
		byPhone:    map[string]string{},
		byProvider: map[string]string{},
	}
}

func providerKey(p vigil.AuthStrategy, subject string) string {
	return string(p) + "\x00" + subject
}

func (d *directory) lookup(index map[string]string, key string) (vigil.UserRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := index[key]
	if !ok || key == "" {
		return vigil.UserRecord{}, vigil.ErrUserNotFound
	}
	return d.byID[id], nil
}

func (d *directory) FindUserByEmail(_ context.Context, email string) (vigil.UserRecord, error) {
	return d.lookup(d.byEmail, email)
}

func (d *directory) FindUserByPhone(_ context.Context, phone string) (vigil.UserRecord, error) {
	return d.lookup(d.byPhone, phone)
}

func (d *directory) FindUserByProvider(_ context.Context, p vigil.AuthStrategy, subject string) (vigil.UserRecord, error) {
	if subject == "" {
		return vigil.UserRecord{}, vigil.ErrUserNotFound
	}
	return d.lookup(d.byProvider, providerKey(p, subject))
}

func (d *directory) GetUserByID(_ context.Context, userID string) (vigil.UserRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byID[userID]
	if !ok {
		return vigil.UserRecord{}, vigil.ErrUserNotFound
	}
	return u, nil
}

func (d *directory) CreateUser(_ context.Context, in vigil.CreateUserInput) (vigil.UserRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byID[in.UserID]; ok {
		return vigil.UserRecord{}, vigil.ErrUserExists
	}
	if _, ok := d.byEmail[in.Email]; ok && in.Email != "" {
		return vigil.UserRecord{}, vigil.ErrUserExists
	}
	if _, ok := d.byPhone[in.Phone]; ok && in.Phone != "" {
		return vigil.UserRecord{}, vigil.ErrUserExists
	}

	u := vigil.UserRecord{
		UserID:          in.UserID,
		RoleName:        in.RoleName,
		AuthProvider:    in.AuthProvider,
		ProviderSubject: in.ProviderSubject,
		Email:           in.Email,
		EmailVerified:   in.EmailVerified,
		Phone:           in.Phone,
		PhoneVerified:   in.PhoneVerified,
		PasswordHash:    in.PasswordHash,
	}
	d.byID[u.UserID] = u
	if u.Email != "" {
		d.byEmail[u.Email] = u.UserID
	}
	if u.Phone != "" {
		d.byPhone[u.Phone] = u.UserID
	}
	if u.ProviderSubject != "" {
		d.byProvider[providerKey(u.AuthProvider, u.ProviderSubject)] = u.UserID
	}
	return u, nil
}

func (d *directory) update(userID string, fn func(*vigil.UserRecord) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.byID[userID]
	if !ok {
		return vigil.ErrUserNotFound
	}
	if err := fn(&u); err != nil {
		return err
	}
	d.byID[userID] = u
	return nil
}

func (d *directory) UpdatePasswordHash(_ context.Context, userID, hash string) error {
	return d.update(userID, func(u *vigil.UserRecord) error {
		u.PasswordHash = hash
		return nil
	})
}

// UpdateEmail and UpdatePhone run under the write lock held by update.
func (d *directory) UpdateEmail(_ context.Context, userID, email string) error {
	return d.update(userID, func(u *vigil.UserRecord) error {
		if owner, ok := d.byEmail[email]; ok && owner != userID {
			return vigil.ErrUserExists
		}
		delete(d.byEmail, u.Email)
		u.Email, u.EmailVerified = email, true
		d.byEmail[email] = userID
		return nil
	})
}

func (d *directory) UpdatePhone(_ context.Context, userID, phone string) error {
	return d.update(userID, func(u *vigil.UserRecord) error {
		if owner, ok := d.byPhone[phone]; ok && owner != userID {
			return vigil.ErrUserExists
		}
		delete(d.byPhone, u.Phone)
		u.Phone, u.PhoneVerified = phone, true
		d.byPhone[phone] = userID
		return nil
	})
}
