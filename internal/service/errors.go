package service

import "errors"

// 业务层通用错误，handler 据此映射 HTTP 状态码。
var (
	ErrOwnerRequired = errors.New("user id is required")
	ErrChatNotFound  = errors.New("chat not found")
)
