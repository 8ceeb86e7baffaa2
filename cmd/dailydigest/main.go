package main

import (
	"os"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
