package model

// Operation type tags understood by the rewrite passes and the converter.
const (
	OpConv2D                   = "conv2d"
	OpDepthwiseConv2D          = "depthwise_conv2d"
	OpConv2DTranspose          = "conv2d_transpose"
	OpDepthwiseConv2DTranspose = "depthwise_conv2d_transpose"
	OpMul                      = "mul"
	OpMatMul                   = "matmul"
	OpAdd                      = "add"
	OpFullyConnected           = "fully_connected"
	OpFlatten                  = "flatten"
	OpRelu                     = "relu"
	OpSoftmax                  = "softmax"
	OpLSTM                     = "lstm"
	OpGRU                      = "gru"

	OpFakeQuantizeRangeAbsMax         = "fake_quantize_range_abs_max"
	OpFakeQuantizeMovingAverageAbsMax = "fake_quantize_moving_average_abs_max"
	OpFakeDequantizeMaxAbs            = "fake_dequantize_max_abs"
	OpFakeChannelWiseDequantizeMaxAbs = "fake_channel_wise_dequantize_max_abs"

	OpFakeQuantizeDequantizeAbsMax              = "fake_quantize_dequantize_abs_max"
	OpFakeQuantizeDequantizeMovingAverageAbsMax = "fake_quantize_dequantize_moving_average_abs_max"
	OpFakeChannelWiseQuantizeDequantizeAbsMax   = "fake_channel_wise_quantize_dequantize_abs_max"

	OpQuantizeLinear   = "quantize_linear"
	OpDequantizeLinear = "dequantize_linear"
)

// Fuse codes carried by the "fuse_code" attribute.
const (
	FuseNone  int64 = 0
	FuseRelu  int64 = 1
	FuseRelu6 int64 = 3
)
