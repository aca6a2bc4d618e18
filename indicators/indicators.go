// Package indicators 技术指标库
// 纯函数实现，无状态无IO；数据不足时返回 ErrInsufficientData，绝不静默截断
package indicators

import (
	"errors"
	"math"
)

// ErrInsufficientData 输入数据长度不足
var ErrInsufficientData = errors.New("indicators: insufficient data")

// StdDev 总体标准差
func StdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))

	return math.Sqrt(variance)
}
