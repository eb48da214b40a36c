// Package drivers registers every transport driver with the default registry.
package drivers

import (
	_ "github.com/ismaiel54/exchange-tester/internal/transport/kafka"
	_ "github.com/ismaiel54/exchange-tester/internal/transport/nats"
	_ "github.com/ismaiel54/exchange-tester/internal/transport/redis"
	_ "github.com/ismaiel54/exchange-tester/internal/transport/zmq"
)
