package dotenv

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Load reads a .env file from the working directory if one exists. A missing
// file is not an error.
func Load() error {
	if err := godotenv.Load(); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}
