package hub

import "github.com/google/uuid"

// IDGenerator 连接标识生成器，每次调用返回一个唯一字符串
type IDGenerator interface {
	NewID() (string, error)
}

// IDGeneratorFunc 函数适配器
type IDGeneratorFunc func() (string, error)

// NewID 实现 IDGenerator
func (f IDGeneratorFunc) NewID() (string, error) {
	return f()
}

// uuidGenerator 基于 UUIDv4 的默认实现
type uuidGenerator struct{}

func (uuidGenerator) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// UUIDGenerator 返回默认的 UUIDv4 生成器
func UUIDGenerator() IDGenerator {
	return uuidGenerator{}
}
