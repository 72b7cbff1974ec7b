package market

// Kline represents a single candlestick; only the OHLCV subset is decoded.
type Kline struct {
	Symbol    string
	Interval  string
	OpenTime  int64 // ms
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64 // ms
	Closed    bool  // stream only: the candle is final
}

// TickerPrice is the payload of /api/v3/ticker/price.
type TickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}
